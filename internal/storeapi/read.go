package storeapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/storeseo/engine/internal/domain"
)

// SEO metafields live under a fixed namespace/key pair shared by products and
// articles.
const (
	metafieldNamespace      = "global"
	metafieldTitleKey       = "title_tag"
	metafieldDescriptionKey = "description_tag"
)

// SeoState is the live SEO metadata of one entity: the metafield pair that
// the engine writes, plus the native seo{} fallback on products.
type SeoState struct {
	MetaTitle         string
	MetaDescription   string
	NativeTitle       string
	NativeDescription string
}

// Product is the read-side product payload used to build prompts and compute
// publish diffs.
type Product struct {
	ID              string
	Title           string
	DescriptionHTML string
	Seo             SeoState
}

// Article is the read-side blog article payload.
type Article struct {
	ID    string
	Title string
	Body  string
	Seo   SeoState
}

// Image is one product media entry.
type Image struct {
	MediaID      string
	URL          string
	Alt          string
	ProductID    string
	ProductTitle string
}

type metafieldNode struct {
	Value string `json:"value"`
}

func (m *metafieldNode) value() string {
	if m == nil {
		return ""
	}
	return m.Value
}

const productQuery = `query($id: ID!) {
  product(id: $id) {
    id
    title
    descriptionHtml
    seo { title description }
    titleTag: metafield(namespace: "global", key: "title_tag") { value }
    descriptionTag: metafield(namespace: "global", key: "description_tag") { value }
  }
}`

type productNode struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DescriptionHTML string `json:"descriptionHtml"`
	Seo             struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"seo"`
	TitleTag       *metafieldNode `json:"titleTag"`
	DescriptionTag *metafieldNode `json:"descriptionTag"`
}

func (p productNode) toProduct() Product {
	return Product{
		ID:              p.ID,
		Title:           p.Title,
		DescriptionHTML: p.DescriptionHTML,
		Seo: SeoState{
			MetaTitle:         p.TitleTag.value(),
			MetaDescription:   p.DescriptionTag.value(),
			NativeTitle:       p.Seo.Title,
			NativeDescription: p.Seo.Description,
		},
	}
}

// FetchProduct loads one product by id (canonical or numeric).
func (c *Client) FetchProduct(ctx context.Context, id string, hooks Hooks) (*Product, error) {
	gid, err := domain.NormalizeGID("Product", id)
	if err != nil {
		return nil, err
	}

	data, err := c.graphqlWithRetry(ctx, productQuery, map[string]any{"id": gid}, hooks)
	if err != nil {
		return nil, err
	}

	var out struct {
		Product *productNode `json:"product"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &PermanentError{Message: "malformed response", Err: err}
	}
	if out.Product == nil {
		return nil, &PermanentError{Message: fmt.Sprintf("product %s not found", domain.GIDTail(gid))}
	}
	product := out.Product.toProduct()
	return &product, nil
}

const articleQuery = `query($id: ID!) {
  article(id: $id) {
    id
    title
    body
    titleTag: metafield(namespace: "global", key: "title_tag") { value }
    descriptionTag: metafield(namespace: "global", key: "description_tag") { value }
  }
}`

type articleNode struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	TitleTag       *metafieldNode `json:"titleTag"`
	DescriptionTag *metafieldNode `json:"descriptionTag"`
}

func (a articleNode) toArticle() Article {
	return Article{
		ID:    a.ID,
		Title: a.Title,
		Body:  a.Body,
		Seo: SeoState{
			MetaTitle:       a.TitleTag.value(),
			MetaDescription: a.DescriptionTag.value(),
		},
	}
}

// FetchArticle loads one blog article by id.
func (c *Client) FetchArticle(ctx context.Context, id string, hooks Hooks) (*Article, error) {
	gid, err := domain.NormalizeGID("Article", id)
	if err != nil {
		return nil, err
	}

	data, err := c.graphqlWithRetry(ctx, articleQuery, map[string]any{"id": gid}, hooks)
	if err != nil {
		return nil, err
	}

	var out struct {
		Article *articleNode `json:"article"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &PermanentError{Message: "malformed response", Err: err}
	}
	if out.Article == nil {
		return nil, &PermanentError{Message: fmt.Sprintf("article %s not found", domain.GIDTail(gid))}
	}
	article := out.Article.toArticle()
	return &article, nil
}

const imagesQuery = `query($id: ID!) {
  product(id: $id) {
    id
    title
    media(first: 100) {
      nodes {
        ... on MediaImage {
          id
          alt
          image { url }
        }
      }
    }
  }
}`

// FetchImages lists a product's image media with their current alt texts.
func (c *Client) FetchImages(ctx context.Context, productID string, hooks Hooks) ([]Image, error) {
	gid, err := domain.NormalizeGID("Product", productID)
	if err != nil {
		return nil, err
	}

	data, err := c.graphqlWithRetry(ctx, imagesQuery, map[string]any{"id": gid}, hooks)
	if err != nil {
		return nil, err
	}

	var out struct {
		Product *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Media struct {
				Nodes []struct {
					ID    string `json:"id"`
					Alt   string `json:"alt"`
					Image *struct {
						URL string `json:"url"`
					} `json:"image"`
				} `json:"nodes"`
			} `json:"media"`
		} `json:"product"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &PermanentError{Message: "malformed response", Err: err}
	}
	if out.Product == nil {
		return nil, &PermanentError{Message: fmt.Sprintf("product %s not found", domain.GIDTail(gid))}
	}

	images := make([]Image, 0, len(out.Product.Media.Nodes))
	for _, n := range out.Product.Media.Nodes {
		if n.ID == "" {
			continue
		}
		img := Image{
			MediaID:      n.ID,
			Alt:          n.Alt,
			ProductID:    out.Product.ID,
			ProductTitle: out.Product.Title,
		}
		if n.Image != nil {
			img.URL = n.Image.URL
		}
		images = append(images, img)
	}
	return images, nil
}

const productSeoBatchQuery = `query($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on Product {
      id
      seo { title description }
      titleTag: metafield(namespace: "global", key: "title_tag") { value }
      descriptionTag: metafield(namespace: "global", key: "description_tag") { value }
    }
  }
}`

// FetchProductSeoBatch reads the live SEO state of many products at once,
// keyed by canonical GID. Unknown ids are absent from the result.
func (c *Client) FetchProductSeoBatch(ctx context.Context, ids []string, hooks Hooks) (map[string]SeoState, error) {
	gids, err := normalizeAll("Product", ids)
	if err != nil {
		return nil, err
	}
	if len(gids) == 0 {
		return map[string]SeoState{}, nil
	}

	data, err := c.graphqlWithRetry(ctx, productSeoBatchQuery, map[string]any{"ids": gids}, hooks)
	if err != nil {
		return nil, err
	}

	var out struct {
		Nodes []*productNode `json:"nodes"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &PermanentError{Message: "malformed response", Err: err}
	}

	states := make(map[string]SeoState, len(out.Nodes))
	for _, n := range out.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		states[n.ID] = n.toProduct().Seo
	}
	return states, nil
}

const articleSeoBatchQuery = `query($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on Article {
      id
      titleTag: metafield(namespace: "global", key: "title_tag") { value }
      descriptionTag: metafield(namespace: "global", key: "description_tag") { value }
    }
  }
}`

// FetchArticleSeoBatch reads the live SEO state of many articles at once.
func (c *Client) FetchArticleSeoBatch(ctx context.Context, ids []string, hooks Hooks) (map[string]SeoState, error) {
	gids, err := normalizeAll("Article", ids)
	if err != nil {
		return nil, err
	}
	if len(gids) == 0 {
		return map[string]SeoState{}, nil
	}

	data, err := c.graphqlWithRetry(ctx, articleSeoBatchQuery, map[string]any{"ids": gids}, hooks)
	if err != nil {
		return nil, err
	}

	var out struct {
		Nodes []*articleNode `json:"nodes"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &PermanentError{Message: "malformed response", Err: err}
	}

	states := make(map[string]SeoState, len(out.Nodes))
	for _, n := range out.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		states[n.ID] = n.toArticle().Seo
	}
	return states, nil
}

func normalizeAll(typ string, ids []string) ([]string, error) {
	gids := make([]string, 0, len(ids))
	for _, id := range ids {
		gid, err := domain.NormalizeGID(typ, id)
		if err != nil {
			return nil, err
		}
		gids = append(gids, gid)
	}
	return gids, nil
}
