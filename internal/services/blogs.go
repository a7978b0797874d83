package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sirupsen/logrus"
)

const blogCachePrefix = "blogs"

var (
	slugStrip    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapse = regexp.MustCompile(`[\s_-]+`)
)

// GenerateSlug turns a title into a URL slug: "Hello, World!" becomes
// "hello-world".
func GenerateSlug(title string) string {
	s := strings.TrimSpace(strings.ToLower(title))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// BlogInput carries create and patch fields. Nil means not provided.
type BlogInput struct {
	Title      *string `json:"title"`
	Slug       *string `json:"slug"`
	Content    *string `json:"content"`
	Excerpt    *string `json:"excerpt"`
	CoverImage *string `json:"coverImage"`
	Published  *bool   `json:"published"`
}

type BlogService struct {
	blogs *repository.BlogRepository
	cache *cache.Cache
	log   *logrus.Entry
	now   func() time.Time
}

func errBlogNotOwned() error {
	return apperr.NotFound("Blog not found or you don't have permission")
}

func (s *BlogService) Create(ctx context.Context, authorID string, in BlogInput) (*models.Blog, error) {
	errs := fieldErrors{}
	errs.check(in.Title != nil && strings.TrimSpace(*in.Title) != "", "title", "Title is required")
	errs.check(in.Content != nil && strings.TrimSpace(*in.Content) != "", "content", "Content is required")
	errs.check(in.Slug == nil || *in.Slug != "", "slug", "Slug cannot be empty")
	if err := errs.err(); err != nil {
		return nil, err
	}

	slug := GenerateSlug(*in.Title)
	if in.Slug != nil {
		slug = *in.Slug
	}
	if slug == "" {
		return nil, apperr.Validation("Validation failed", map[string]string{"slug": "Could not derive a slug from the title"})
	}

	exists, err := s.blogs.SlugExists(ctx, slug, "")
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.Conflict("Blog with this slug already exists")
	}

	blog := &models.Blog{
		Title:      strings.TrimSpace(*in.Title),
		Slug:       slug,
		Content:    *in.Content,
		Excerpt:    in.Excerpt,
		CoverImage: in.CoverImage,
		AuthorID:   authorID,
	}
	if in.Published != nil && *in.Published {
		now := s.now()
		blog.Published = true
		blog.PublishedAt = &now
	}
	if err := s.blogs.Create(ctx, blog); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict("Blog with this slug already exists")
		}
		return nil, err
	}

	s.invalidate(ctx)
	s.log.WithFields(logrus.Fields{"blog_id": blog.ID, "author_id": authorID}).Info("Blog created")
	return s.blogs.FindByID(ctx, blog.ID)
}

func (s *BlogService) Update(ctx context.Context, id, authorID string, in BlogInput) (*models.Blog, error) {
	existing, err := s.blogs.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errBlogNotOwned()
	}
	if err != nil {
		return nil, err
	}
	if existing.AuthorID != authorID {
		return nil, errBlogNotOwned()
	}

	errs := fieldErrors{}
	fields := map[string]any{}
	if in.Title != nil {
		errs.check(strings.TrimSpace(*in.Title) != "", "title", "Title cannot be empty")
		fields["title"] = strings.TrimSpace(*in.Title)
	}
	if in.Content != nil {
		errs.check(strings.TrimSpace(*in.Content) != "", "content", "Content cannot be empty")
		fields["content"] = *in.Content
	}
	if in.Slug != nil {
		errs.check(*in.Slug != "", "slug", "Slug cannot be empty")
		fields["slug"] = *in.Slug
	}
	if in.Excerpt != nil {
		fields["excerpt"] = *in.Excerpt
	}
	if in.CoverImage != nil {
		fields["cover_image"] = *in.CoverImage
	}
	if in.Published != nil {
		fields["published"] = *in.Published
		if *in.Published && !existing.Published {
			fields["published_at"] = s.now()
		}
	}
	if err := errs.err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, apperr.Validation("No fields to update", nil)
	}

	if in.Slug != nil && *in.Slug != existing.Slug {
		exists, err := s.blogs.SlugExists(ctx, *in.Slug, id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, apperr.Conflict("Blog with this slug already exists")
		}
	}

	blog, err := s.blogs.Update(ctx, id, authorID, fields)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, errBlogNotOwned()
	case errors.Is(err, repository.ErrDuplicate):
		return nil, apperr.Conflict("Blog with this slug already exists")
	case err != nil:
		return nil, err
	}

	s.invalidate(ctx)
	s.log.WithField("blog_id", id).Info("Blog updated")
	return blog, nil
}

func (s *BlogService) Delete(ctx context.Context, id, authorID string) error {
	err := s.blogs.Delete(ctx, id, authorID)
	if errors.Is(err, repository.ErrNotFound) {
		return errBlogNotOwned()
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	s.log.WithField("blog_id", id).Info("Blog deleted")
	return nil
}

func (s *BlogService) List(ctx context.Context, page Page, published *bool) ([]models.Blog, Meta, error) {
	blogs, total, err := s.blogs.List(ctx, repository.BlogFilter{Published: published}, page.Offset(), page.Limit)
	if err != nil {
		return nil, Meta{}, err
	}
	return blogs, page.Meta(total), nil
}

func (s *BlogService) ListByAuthor(ctx context.Context, authorID string, page Page) ([]models.Blog, Meta, error) {
	blogs, total, err := s.blogs.List(ctx, repository.BlogFilter{AuthorID: authorID}, page.Offset(), page.Limit)
	if err != nil {
		return nil, Meta{}, err
	}
	return blogs, page.Meta(total), nil
}

func (s *BlogService) GetByID(ctx context.Context, id string) (*models.Blog, error) {
	return s.cached(ctx, "id:"+id, func(ctx context.Context) (*models.Blog, error) {
		return s.blogs.FindByID(ctx, id)
	})
}

func (s *BlogService) GetBySlug(ctx context.Context, slug string) (*models.Blog, error) {
	return s.cached(ctx, "slug:"+slug, func(ctx context.Context) (*models.Blog, error) {
		return s.blogs.FindBySlug(ctx, slug)
	})
}

func (s *BlogService) cached(ctx context.Context, key string, fetch func(ctx context.Context) (*models.Blog, error)) (*models.Blog, error) {
	blog, err := cache.GetOrSet(ctx, s.cache, key, fetch, cache.WithPrefix(blogCachePrefix), cache.WithTTL(cache.Medium))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Blog not found")
	}
	return blog, err
}

func (s *BlogService) invalidate(ctx context.Context) {
	s.cache.InvalidatePattern(ctx, "*", cache.WithPrefix(blogCachePrefix))
}
