package handlers

import (
	"errors"
	"net/http"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/response"
	"github.com/sdko-org/blog-api/internal/services"
)

// avatarField is the multipart field carrying the image.
const avatarField = "avatar"

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	profile, err := h.services.Users.Profile(r.Context(), user.ID)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, profile)
	return nil
}

func (h *Handler) UploadAvatar(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, services.MaxAvatarSize+1<<20)
	if err := r.ParseMultipartForm(services.MaxAvatarSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("File size exceeds 5MB limit", nil)
		}
		return apperr.Validation("Invalid multipart form", nil)
	}
	defer r.MultipartForm.RemoveAll()

	var upload *services.Upload
	file, header, err := r.FormFile(avatarField)
	switch {
	case err == nil:
		defer file.Close()
		upload = &services.Upload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        file,
		}
	case !errors.Is(err, http.ErrMissingFile):
		return apperr.Validation("Invalid multipart form", nil)
	}

	res, err := h.services.Users.UploadAvatar(r.Context(), user.ID, upload)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, res, response.WithMessage("Avatar uploaded successfully"))
	return nil
}

func (h *Handler) DeleteAvatar(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	updated, err := h.services.Users.DeleteAvatar(r.Context(), user.ID)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, updated, response.WithMessage("Avatar deleted successfully"))
	return nil
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) error {
	users, meta, err := h.services.Users.List(r.Context(), pageFrom(r))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, users, response.WithMeta(meta))
	return nil
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) error {
	user, err := h.services.Users.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, user)
	return nil
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) error {
	var in services.UserUpdate
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	user, err := h.services.Users.Update(r.Context(), pathVar(r, "id"), in)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, user, response.WithMessage("User updated successfully"))
	return nil
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) error {
	if err := h.services.Users.Delete(r.Context(), pathVar(r, "id")); err != nil {
		return err
	}
	response.Success(w, http.StatusOK, nil, response.WithMessage("User deleted successfully"))
	return nil
}
