package generator

import (
	"fmt"
	"strings"

	"github.com/storeseo/engine/internal/domain"
)

// Hint keys recognized in a job's generation settings.
const (
	hintBrandName        = "brandName"
	hintTone             = "tone"
	hintBrandVoice       = "brandVoice"
	hintTargetKeyword    = "targetKeyword"
	hintRequiredKeywords = "requiredKeywords" // comma separated, max 10 used
	hintBannedWords      = "bannedWords"      // comma separated, max 30 used
	hintCapitalization   = "capitalization"
	hintEmojiPolicy      = "emojiPolicy"
)

const (
	maxRequiredKeywords = 10
	maxBannedWords      = 30
)

func buildPrompts(jobType domain.JobType, cfg domain.JobConfig, target Target) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You are an e-commerce SEO specialist writing store metadata.\n")
	fmt.Fprintf(&sys, "Write every output value in the language %q. Do not use any other language.\n", cfg.Language)

	switch jobType {
	case domain.JobTypeImageAlt:
		fmt.Fprintf(&sys, "Return ONLY a valid JSON object with exactly one key: \"altText\" (max %d characters, descriptive, no keyword stuffing).", AltTextMax)
	default:
		fmt.Fprintf(&sys, "Return ONLY a valid JSON object with exactly two keys: \"seoTitle\" (max %d characters) and \"seoDescription\" (max %d characters).", TitleMax, DescriptionMax)
	}

	var usr strings.Builder
	writeHints(&usr, cfg.Hints)

	switch jobType {
	case domain.JobTypeImageAlt:
		fmt.Fprintf(&usr, "Write alt text for a product image.\nProduct: %s\n", target.ProductTitle)
		if target.ImageURL != "" {
			fmt.Fprintf(&usr, "Image URL: %s\n", target.ImageURL)
		}
	case domain.JobTypeBlogSeo:
		fmt.Fprintf(&usr, "Write SEO metadata for this blog article.\nTitle: %s\n", target.Title)
		if target.Description != "" {
			fmt.Fprintf(&usr, "Article:\n%s\n", clip(target.Description, 4000))
		}
	default:
		fmt.Fprintf(&usr, "Write SEO metadata for this product.\nTitle: %s\n", target.Title)
		if target.Description != "" {
			fmt.Fprintf(&usr, "Description:\n%s\n", clip(target.Description, 4000))
		}
	}

	return sys.String(), usr.String()
}

func buildRewritePrompts(jobType domain.JobType, lang, currentJSON string) (system, user string) {
	system = fmt.Sprintf(
		"You are a translator. Rewrite the JSON string values strictly into the language %q, preserving meaning. "+
			"Return ONLY the same JSON object with the same keys and no additional text.", lang)
	user = currentJSON
	_ = jobType
	return system, user
}

func writeHints(b *strings.Builder, hints map[string]string) {
	if v := hints[hintBrandName]; v != "" {
		fmt.Fprintf(b, "Brand: %s\n", v)
	}
	if v := hints[hintTone]; v != "" {
		fmt.Fprintf(b, "Tone: %s\n", v)
	}
	if v := hints[hintBrandVoice]; v != "" {
		fmt.Fprintf(b, "Brand voice: %s\n", v)
	}
	if v := hints[hintTargetKeyword]; v != "" {
		fmt.Fprintf(b, "Target keyword: %s\n", v)
	}
	if kws := splitList(hints[hintRequiredKeywords], maxRequiredKeywords); len(kws) > 0 {
		fmt.Fprintf(b, "Must include keywords: %s\n", strings.Join(kws, ", "))
	}
	if banned := splitList(hints[hintBannedWords], maxBannedWords); len(banned) > 0 {
		fmt.Fprintf(b, "Never use these words: %s\n", strings.Join(banned, ", "))
	}
	if v := hints[hintCapitalization]; v != "" {
		fmt.Fprintf(b, "Capitalization: %s\n", v)
	}
	if v := hints[hintEmojiPolicy]; v != "" {
		fmt.Fprintf(b, "Emoji policy: %s\n", v)
	}
}

func splitList(raw string, max int) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
		if len(out) == max {
			break
		}
	}
	return out
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
