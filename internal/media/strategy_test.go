package media

import (
	"testing"
	"time"

	"omnigate/internal/domain"
)

func TestStrategySelector(t *testing.T) {
	sel := NewStrategySelector(50<<20, 100<<20)

	cases := []struct {
		name string
		meta domain.MediaMetadata
		want string
	}{
		{"small direct", domain.MediaMetadata{SizeBytes: 1 << 20}, StrategyDirect},
		{"unknown size direct", domain.MediaMetadata{}, StrategyDirect},
		{"above multipart threshold", domain.MediaMetadata{SizeBytes: 60 << 20}, StrategyMultipart},
		{"at threshold stays direct", domain.MediaMetadata{SizeBytes: 50 << 20}, StrategyDirect},
		{"above presign threshold", domain.MediaMetadata{SizeBytes: 200 << 20}, StrategyPresigned},
		{"multipart hint", domain.MediaMetadata{SizeBytes: 1 << 20, PreferMultipart: true}, StrategyMultipart},
		{"presign hint wins over multipart hint", domain.MediaMetadata{PreferMultipart: true, PreferPresigned: true}, StrategyPresigned},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sel.Select(tc.meta); got != tc.want {
				t.Errorf("Expected %s, got: %s", tc.want, got)
			}
		})
	}
}

type alwaysStrategy struct {
	name     string
	priority int
}

func (s alwaysStrategy) Name() string                        { return s.name }
func (s alwaysStrategy) Applies(_ domain.MediaMetadata) bool { return true }
func (s alwaysStrategy) Priority() int                       { return s.priority }

func TestStrategyRegistration(t *testing.T) {
	sel := NewStrategySelector(0, 0)
	sel.Register(alwaysStrategy{name: "custom-low", priority: 5})
	sel.Register(alwaysStrategy{name: "custom-high", priority: 99})

	if got := sel.Select(domain.MediaMetadata{}); got != "custom-high" {
		t.Errorf("Expected highest priority strategy, got: %s", got)
	}
}

func TestBuildKey(t *testing.T) {
	now := time.Date(2025, 3, 7, 10, 30, 0, 0, time.UTC)

	key := buildKey(domain.MediaTypeVideo, "abc123", ".mp4", now)
	if key != "video/2025/03/07/abc123.mp4" {
		t.Errorf("Expected dated key layout, got: %v", key)
	}

	// Non-UTC inputs normalize to the UTC date.
	est := time.FixedZone("EST", -5*3600)
	key = buildKey(domain.MediaTypeImage, "x", ".png", time.Date(2025, 3, 7, 23, 0, 0, 0, est))
	if key != "image/2025/03/08/x.png" {
		t.Errorf("Expected UTC date in key, got: %v", key)
	}
}

func TestExtensionFor(t *testing.T) {
	cases := []struct {
		contentType, fileName, want string
	}{
		{"video/mp4", "", ".mp4"},
		{"image/jpeg", "", ".jpg"},
		{"audio/mpeg", "", ".mp3"},
		{"video/mp4", "clip.webm", ".webm"}, // file name wins
		{"application/octet-stream", "", ""},
	}
	for _, tc := range cases {
		if got := extensionFor(tc.contentType, tc.fileName); got != tc.want {
			t.Errorf("extensionFor(%q, %q): expected %q, got %q", tc.contentType, tc.fileName, tc.want, got)
		}
	}
}
