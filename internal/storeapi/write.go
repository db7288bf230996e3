package storeapi

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/storeseo/engine/internal/domain"
)

const metafieldsSetMutation = `mutation($metafields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $metafields) {
    metafields { id }
    userErrors { field message }
  }
}`

type metafieldInput struct {
	OwnerID   string `json:"ownerId"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

// SeoWrite describes one SEO publish: the drafted values plus which fields
// the job is configured to write.
type SeoWrite struct {
	Title            string
	Description      string
	WriteTitle       bool
	WriteDescription bool
}

// stage decides which metafields to write. Empty values are never written
// because metafieldsSet would clear the existing one. The backfill rule: when
// only one side is staged but the job produces both, and the other metafield
// is empty while a live counterpart exists in the native seo fields, the
// counterpart is copied over so it stays visible once the storefront reads
// from metafields.
func (w SeoWrite) stage(ownerID string, live SeoState) []metafieldInput {
	title := strings.TrimSpace(w.Title)
	description := strings.TrimSpace(w.Description)

	stageTitle := w.WriteTitle && title != ""
	stageDescription := w.WriteDescription && description != ""

	if stageTitle && !stageDescription && w.WriteDescription &&
		live.MetaDescription == "" && live.NativeDescription != "" {
		description = live.NativeDescription
		stageDescription = true
	}
	if stageDescription && !stageTitle && w.WriteTitle &&
		live.MetaTitle == "" && live.NativeTitle != "" {
		title = live.NativeTitle
		stageTitle = true
	}

	var fields []metafieldInput
	if stageTitle {
		fields = append(fields, metafieldInput{
			OwnerID:   ownerID,
			Namespace: metafieldNamespace,
			Key:       metafieldTitleKey,
			Type:      "single_line_text_field",
			Value:     title,
		})
	}
	if stageDescription {
		fields = append(fields, metafieldInput{
			OwnerID:   ownerID,
			Namespace: metafieldNamespace,
			Key:       metafieldDescriptionKey,
			Type:      "single_line_text_field",
			Value:     description,
		})
	}
	return fields
}

// WriteProductSeo publishes a product's drafted SEO metadata through
// metafieldsSet, leaving the native seo fields untouched.
func (c *Client) WriteProductSeo(ctx context.Context, productID string, write SeoWrite, hooks Hooks) error {
	gid, err := domain.NormalizeGID("Product", productID)
	if err != nil {
		return err
	}

	product, err := c.FetchProduct(ctx, gid, hooks)
	if err != nil {
		return err
	}

	fields := write.stage(gid, product.Seo)
	if len(fields) == 0 {
		return nil
	}
	return c.setMetafields(ctx, fields, hooks)
}

// WriteArticleSeo publishes an article's drafted SEO metadata. When the API
// rejects the id form with "Invalid id", one retry is made with the id
// rebuilt from its numeric tail.
func (c *Client) WriteArticleSeo(ctx context.Context, articleID string, write SeoWrite, hooks Hooks) error {
	gid, err := domain.NormalizeGID("Article", articleID)
	if err != nil {
		return err
	}

	article, err := c.FetchArticle(ctx, gid, hooks)
	if err != nil {
		return err
	}

	fields := write.stage(gid, article.Seo)
	if len(fields) == 0 {
		return nil
	}

	err = c.setMetafields(ctx, fields, hooks)
	if err != nil && isInvalidID(err) {
		// Some stores expose blog articles under an alternate typename.
		// Only use it after a node(id:) probe confirms the id resolves.
		alt := domain.GID("OnlineStoreArticle", domain.GIDTail(gid))
		if c.nodeExists(ctx, alt, hooks) {
			for i := range fields {
				fields[i].OwnerID = alt
			}
			return c.setMetafields(ctx, fields, hooks)
		}
	}
	return err
}

const nodeProbeQuery = `query($id: ID!) {
  node(id: $id) { id }
}`

func (c *Client) nodeExists(ctx context.Context, id string, hooks Hooks) bool {
	data, err := c.graphqlWithRetry(ctx, nodeProbeQuery, map[string]any{"id": id}, hooks)
	if err != nil {
		return false
	}
	var out struct {
		Node *struct {
			ID string `json:"id"`
		} `json:"node"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return false
	}
	return out.Node != nil && out.Node.ID != ""
}

func (c *Client) setMetafields(ctx context.Context, fields []metafieldInput, hooks Hooks) error {
	var out struct {
		MetafieldsSet struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"metafieldsSet"`
	}
	err := c.mutate(ctx, metafieldsSetMutation, map[string]any{"metafields": fields}, &out, hooks)
	if err != nil {
		return err
	}
	if len(out.MetafieldsSet.UserErrors) > 0 {
		return &PermanentError{Message: joinUserErrors(out.MetafieldsSet.UserErrors)}
	}
	return nil
}

const updateMediaMutation = `mutation($productId: ID!, $media: [UpdateMediaInput!]!) {
  productUpdateMedia(productId: $productId, media: $media) {
    media { id }
    mediaUserErrors { field message }
  }
}`

// WriteImageAlt sets the alt text of one product image.
func (c *Client) WriteImageAlt(ctx context.Context, productID, mediaID, alt string, hooks Hooks) error {
	gid, err := domain.NormalizeGID("Product", productID)
	if err != nil {
		return err
	}
	alt = strings.TrimSpace(alt)
	if alt == "" {
		return &PermanentError{Message: "empty alt text"}
	}
	if mediaID == "" {
		return &PermanentError{Message: "missing media id"}
	}

	var out struct {
		ProductUpdateMedia struct {
			MediaUserErrors []userError `json:"mediaUserErrors"`
		} `json:"productUpdateMedia"`
	}
	vars := map[string]any{
		"productId": gid,
		"media":     []map[string]any{{"id": mediaID, "alt": alt}},
	}
	if err := c.mutate(ctx, updateMediaMutation, vars, &out, hooks); err != nil {
		return err
	}
	if len(out.ProductUpdateMedia.MediaUserErrors) > 0 {
		return &PermanentError{Message: joinUserErrors(out.ProductUpdateMedia.MediaUserErrors)}
	}
	return nil
}
