package media

import (
	"context"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensureCORS reconciles the bucket CORS configuration with config. The
// write is skipped when an equivalent rule is already present, and a
// missing s3:PutBucketCORS permission downgrades to a warning so restricted
// deployments still start.
func (s *S3Store) ensureCORS(ctx context.Context) error {
	desired := types.CORSRule{
		AllowedOrigins: s.cfg.CorsAllowedOrigins,
		AllowedMethods: s.cfg.CorsAllowedMethods,
		AllowedHeaders: []string{"*"},
		ExposeHeaders:  s.cfg.CorsExposeHeaders,
		MaxAgeSeconds:  aws.Int32(int32(s.cfg.CorsMaxAgeSeconds)),
	}

	current, err := s.client.GetBucketCors(ctx, &s3.GetBucketCorsInput{
		Bucket: aws.String(s.cfg.BucketName),
	})
	if err == nil {
		for _, rule := range current.CORSRules {
			if corsRuleCovers(rule, desired) {
				s.logger.Debug("bucket cors already configured", "bucket", s.cfg.BucketName)
				return nil
			}
		}
	} else if cerr := classify("reading bucket cors", "", err); IsAccessDenied(cerr) {
		s.logger.Warn("no permission to read bucket cors, skipping reconciliation", "bucket", s.cfg.BucketName)
		return nil
	}
	// NoSuchCORSConfiguration falls through to the write.

	_, err = s.client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
		Bucket: aws.String(s.cfg.BucketName),
		CORSConfiguration: &types.CORSConfiguration{
			CORSRules: []types.CORSRule{desired},
		},
	})
	if err != nil {
		cerr := classify("writing bucket cors", "", err)
		if IsAccessDenied(cerr) {
			s.logger.Warn("no permission to write bucket cors, continuing without it", "bucket", s.cfg.BucketName)
			return nil
		}
		return cerr
	}

	s.logger.Info("bucket cors configured",
		"bucket", s.cfg.BucketName,
		"origins", s.cfg.CorsAllowedOrigins,
		"methods", s.cfg.CorsAllowedMethods)
	return nil
}

// corsRuleCovers reports whether an existing rule already grants what the
// desired rule asks for.
func corsRuleCovers(existing, desired types.CORSRule) bool {
	return containsAll(existing.AllowedOrigins, desired.AllowedOrigins) &&
		containsAll(existing.AllowedMethods, desired.AllowedMethods) &&
		containsAll(existing.ExposeHeaders, desired.ExposeHeaders)
}

func containsAll(have, want []string) bool {
	if slices.Contains(have, "*") {
		return true
	}
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
