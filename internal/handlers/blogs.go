package handlers

import (
	"net/http"

	"github.com/sdko-org/blog-api/internal/response"
	"github.com/sdko-org/blog-api/internal/services"
)

func (h *Handler) ListBlogs(w http.ResponseWriter, r *http.Request) error {
	blogs, meta, err := h.services.Blogs.List(r.Context(), pageFrom(r), publishedOnly(r))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, blogs, response.WithMeta(meta))
	return nil
}

func (h *Handler) MyBlogs(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	blogs, meta, err := h.services.Blogs.ListByAuthor(r.Context(), user.ID, pageFrom(r))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, blogs, response.WithMeta(meta))
	return nil
}

func (h *Handler) GetBlog(w http.ResponseWriter, r *http.Request) error {
	blog, err := h.services.Blogs.GetByID(r.Context(), pathVar(r, "id"))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, blog)
	return nil
}

func (h *Handler) GetBlogBySlug(w http.ResponseWriter, r *http.Request) error {
	blog, err := h.services.Blogs.GetBySlug(r.Context(), pathVar(r, "slug"))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, blog)
	return nil
}

func (h *Handler) CreateBlog(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	var in services.BlogInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	blog, err := h.services.Blogs.Create(r.Context(), user.ID, in)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusCreated, blog, response.WithMessage("Blog created successfully"))
	return nil
}

func (h *Handler) UpdateBlog(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	var in services.BlogInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	blog, err := h.services.Blogs.Update(r.Context(), pathVar(r, "id"), user.ID, in)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, blog, response.WithMessage("Blog updated successfully"))
	return nil
}

func (h *Handler) DeleteBlog(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	if err := h.services.Blogs.Delete(r.Context(), pathVar(r, "id"), user.ID); err != nil {
		return err
	}
	response.Success(w, http.StatusOK, nil, response.WithMessage("Blog deleted successfully"))
	return nil
}
