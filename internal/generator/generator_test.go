package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeseo/engine/internal/domain"
)

type fakeCompleter struct {
	completeFunc func(ctx context.Context, system, user string) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return f.completeFunc(ctx, system, user)
}

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
	}
}

func productTarget() Target {
	return Target{
		Kind:        domain.TargetProduct,
		Title:       "Handmade Ceramic Mug",
		Description: "A sturdy 350ml mug, glazed by hand.",
	}
}

func TestGenerate_HappyPath(t *testing.T) {
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			assert.Contains(t, user, "Handmade Ceramic Mug")
			return `{"seoTitle": "Handmade Ceramic Mug | 350ml", "seoDescription": "A sturdy hand-glazed mug."}`, nil
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "Handmade Ceramic Mug | 350ml", draft.SeoTitle)
	assert.Equal(t, "A sturdy hand-glazed mug.", draft.SeoDescription)
}

func TestGenerate_FencedJSONAccepted(t *testing.T) {
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			return "```json\n{\"seoTitle\": \"Mug\", \"seoDescription\": \"Desc\"}\n```", nil
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "Mug", draft.SeoTitle)
}

func TestGenerate_TransientThenSuccess(t *testing.T) {
	calls := 0
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			if calls <= 2 {
				return "", &StatusError{Status: 503, Err: errors.New("service unavailable")}
			}
			return `{"seoTitle": "Mug", "seoDescription": "Desc"}`, nil
		},
	}
	client := New(completer, fastConfig())

	var attempts []int
	var totalWait time.Duration
	hooks := Hooks{
		OnAttempt: func(n int) { attempts = append(attempts, n) },
		OnRetry:   func(wait time.Duration, reason string) { totalWait += wait },
	}

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), hooks)
	require.NoError(t, err)
	assert.Equal(t, "Mug", draft.SeoTitle)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Greater(t, totalWait, time.Duration(0))
}

func TestGenerate_TransientExhausted(t *testing.T) {
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			return "", &StatusError{Status: 500, Err: errors.New("internal error")}
		},
	}
	client := New(completer, fastConfig())

	_, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "internal error", perm.Message)
}

func TestGenerate_PermanentAuthFailure(t *testing.T) {
	calls := 0
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			return "", &StatusError{Status: 401, Err: errors.New("invalid api key")}
		},
	}
	client := New(completer, fastConfig())

	_, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "authentication failed", perm.Message)
	assert.Equal(t, 1, calls, "permanent failures must not be retried")
}

func TestGenerate_RetryAfterHonored(t *testing.T) {
	calls := 0
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			if calls == 1 {
				return "", &StatusError{Status: 429, Err: errors.New("rate limited")}
			}
			return `{"seoTitle": "Mug", "seoDescription": "Desc"}`, nil
		},
	}
	client := New(completer, fastConfig())

	var waits []time.Duration
	hooks := Hooks{OnRetry: func(wait time.Duration, reason string) {
		waits = append(waits, wait)
		assert.Equal(t, "rate limited", reason)
	}}

	_, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), hooks)
	require.NoError(t, err)
	require.Len(t, waits, 1)
}

func TestGenerate_BadJSONRetriedOnce(t *testing.T) {
	calls := 0
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			if calls == 1 {
				return "Here is your SEO title: Great Mug!", nil
			}
			return `{"seoTitle": "Mug", "seoDescription": "Desc"}`, nil
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "Mug", draft.SeoTitle)
	assert.Equal(t, 2, calls)
}

func TestGenerate_BadJSONTwiceIsPermanent(t *testing.T) {
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			return "not json at all", nil
		},
	}
	client := New(completer, fastConfig())

	_, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "malformed response", perm.Message)
}

func TestGenerate_UnknownJSONKeysRejected(t *testing.T) {
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			return `{"seoTitle": "Mug", "seoDescription": "Desc", "extra": "field"}`, nil
		},
	}
	client := New(completer, fastConfig())

	_, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})
	require.Error(t, err)
}

func TestGenerate_LanguageMismatchTriggersSingleRewrite(t *testing.T) {
	calls := 0
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			if calls == 1 {
				// English output for a Turkish job.
				return `{"seoTitle": "The best mug for your kitchen", "seoDescription": "Buy this mug and enjoy the quality you deserve."}`, nil
			}
			assert.Contains(t, system, `"tr"`)
			return `{"seoTitle": "Mutfağınız için en iyi kupa", "seoDescription": "Hak ettiğiniz kaliteyi yaşayın."}`, nil
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "tr"}, productTarget(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Mutfağınız için en iyi kupa", draft.SeoTitle)
}

func TestGenerate_RewriteFailureKeepsOriginalDraft(t *testing.T) {
	calls := 0
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			if calls == 1 {
				return `{"seoTitle": "The best mug for your kitchen", "seoDescription": "Buy this and enjoy the quality you deserve."}`, nil
			}
			return "", &StatusError{Status: 400, Err: errors.New("bad request")}
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "tr"}, productTarget(), Hooks{})
	require.NoError(t, err, "rewrite failure must not fail the item")
	assert.Equal(t, "The best mug for your kitchen", draft.SeoTitle)
}

func TestGenerate_TruncatesToFieldCaps(t *testing.T) {
	longTitle := strings.Repeat("a", TitleMax+40)
	longDesc := strings.Repeat("b", DescriptionMax+40)
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			return fmt.Sprintf(`{"seoTitle": %q, "seoDescription": %q}`, longTitle, longDesc), nil
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})
	require.NoError(t, err)
	assert.Len(t, []rune(draft.SeoTitle), TitleMax)
	assert.Len(t, []rune(draft.SeoDescription), DescriptionMax)
}

func TestGenerate_ImageAltDraft(t *testing.T) {
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			assert.Contains(t, system, "altText")
			assert.Contains(t, user, "Handmade Ceramic Mug")
			return `{"altText": "A white ceramic mug on a wooden table"}`, nil
		},
	}
	client := New(completer, fastConfig())

	draft, err := client.Generate(context.Background(), domain.JobTypeImageAlt,
		domain.JobConfig{Language: "en"},
		Target{Kind: domain.TargetImage, ProductTitle: "Handmade Ceramic Mug", ImageURL: "https://cdn.example.com/mug.jpg"},
		Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "A white ceramic mug on a wooden table", draft.AltText)
	assert.Empty(t, draft.SeoTitle)
}

func TestGenerate_HintsIncludedInPrompt(t *testing.T) {
	var seenUser string
	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			seenUser = user
			return `{"seoTitle": "Mug", "seoDescription": "Desc"}`, nil
		},
	}
	client := New(completer, fastConfig())

	cfg := domain.JobConfig{
		Language: "en",
		Hints: map[string]string{
			"brandName":        "Mugify",
			"tone":             "playful",
			"requiredKeywords": "ceramic, handmade",
			"bannedWords":      "cheap",
		},
	}
	_, err := client.Generate(context.Background(), domain.JobTypeProductSeo, cfg, productTarget(), Hooks{})
	require.NoError(t, err)
	assert.Contains(t, seenUser, "Brand: Mugify")
	assert.Contains(t, seenUser, "Tone: playful")
	assert.Contains(t, seenUser, "ceramic, handmade")
	assert.Contains(t, seenUser, "Never use these words: cheap")
}

func TestGenerate_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	completer := &fakeCompleter{
		completeFunc: func(ctx context.Context, system, user string) (string, error) {
			return "", ctx.Err()
		},
	}
	client := New(completer, fastConfig())

	_, err := client.Generate(ctx, domain.JobTypeProductSeo,
		domain.JobConfig{Language: "en"}, productTarget(), Hooks{})
	require.Error(t, err)
}
