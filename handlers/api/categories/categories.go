package categories

import (
	"encoding/json"
	"errors"
	"net/http"

	"catalog-editor/catalog"
	"catalog-editor/core"
	"catalog-editor/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// maxImageSize caps the multipart body of an item upload.
const maxImageSize = 10 << 20

type (
	nameRequest struct {
		Name string `json:"name"`
	}

	reorderRequest struct {
		From int `json:"from"`
		To   int `json:"to"`
	}

	itemRequest struct {
		Name  string `json:"name"`
		Price string `json:"price"`
	}
)

func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User claims not found"})
		return "", false
	}
	return claims.Subject, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid request body"})
		return false
	}
	return true
}

// writeError maps the engine's error taxonomy to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var ve *core.ValidationError
	var re *core.RemoteUnavailableError
	log := middleware.Log(r.Context()).WithError(err)

	switch {
	case errors.As(err, &ve):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": ve.Error(), "field": ve.Field})
		return
	case errors.Is(err, core.ErrNotFound):
		render.Status(r, http.StatusNotFound)
	case errors.As(err, &re):
		log.Error(msg)
		render.Status(r, http.StatusServiceUnavailable)
	default:
		log.Error(msg)
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, map[string]string{"error": msg})
}

func HandleListCategories(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		cats, err := engine.Categories(r.Context(), owner)
		if err != nil {
			writeError(w, r, err, "Failed to list categories")
			return
		}
		render.JSON(w, r, cats)
	}
}

func HandleAddCategory(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		var in nameRequest
		if !decode(w, r, &in) {
			return
		}

		current, err := engine.Categories(r.Context(), owner)
		if err != nil {
			writeError(w, r, err, "Failed to add category")
			return
		}
		cat, err := engine.AddCategory(r.Context(), owner, current, in.Name)
		if err != nil {
			writeError(w, r, err, "Failed to add category")
			return
		}
		middleware.Log(r.Context()).WithField("category_id", cat.ID).Debug("Category added over REST")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, cat)
	}
}

func HandleRenameCategory(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		var in nameRequest
		if !decode(w, r, &in) {
			return
		}
		if err := engine.RenameCategory(r.Context(), owner, chi.URLParam(r, "id"), in.Name); err != nil {
			writeError(w, r, err, "Failed to rename category")
			return
		}
		render.NoContent(w, r)
	}
}

func HandleReorderCategories(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		var in reorderRequest
		if !decode(w, r, &in) {
			return
		}

		current, err := engine.Categories(r.Context(), owner)
		if err != nil {
			writeError(w, r, err, "Failed to reorder categories")
			return
		}
		next, err := engine.ReorderCategories(r.Context(), current, in.From, in.To)
		if err != nil {
			writeError(w, r, err, "Failed to reorder categories")
			return
		}
		render.JSON(w, r, next)
	}
}

func HandleDeleteCategory(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		current, err := engine.Categories(r.Context(), owner)
		if err != nil {
			writeError(w, r, err, "Failed to delete category")
			return
		}
		remaining, err := engine.DeleteCategory(r.Context(), owner, current, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, "Failed to delete category")
			return
		}
		render.JSON(w, r, remaining)
	}
}

func HandleListItems(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		items, err := engine.Items(r.Context(), owner, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, "Failed to list items")
			return
		}
		render.JSON(w, r, items)
	}
}

// HandleAddItem takes a multipart form with name, price and an image file.
func HandleAddItem(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxImageSize)
		if err := r.ParseMultipartForm(maxImageSize); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid multipart form"})
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			writeError(w, r, core.NewValidationError("image", "is required"), "Failed to add item")
			return
		}
		defer file.Close()

		categories, err := engine.Categories(r.Context(), owner)
		if err != nil {
			writeError(w, r, err, "Failed to add item")
			return
		}
		item, err := engine.AddItem(r.Context(), owner, categories, catalog.NewItem{
			CategoryID:  chi.URLParam(r, "id"),
			Name:        r.FormValue("name"),
			Price:       r.FormValue("price"),
			Image:       file,
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
		})
		if err != nil {
			writeError(w, r, err, "Failed to add item")
			return
		}
		middleware.Log(r.Context()).WithFields(logrus.Fields{"item_id": item.ID, "size": header.Size}).Debug("Item added over REST")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, item)
	}
}

// HandleUpdateItem renames the item, or renames and reprices it when a price
// is given.
func HandleUpdateItem(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		var in itemRequest
		if !decode(w, r, &in) {
			return
		}
		id := chi.URLParam(r, "id")

		if in.Price == "" {
			if err := engine.RenameItem(r.Context(), owner, id, in.Name); err != nil {
				writeError(w, r, err, "Failed to rename item")
				return
			}
			item, err := engine.Item(r.Context(), owner, id)
			if err != nil {
				writeError(w, r, err, "Failed to rename item")
				return
			}
			render.JSON(w, r, item)
			return
		}

		item, err := engine.UpdateItem(r.Context(), owner, id, in.Name, in.Price)
		if err != nil {
			writeError(w, r, err, "Failed to update item")
			return
		}
		render.JSON(w, r, item)
	}
}

func HandleDeleteItem(engine *catalog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerID(w, r)
		if !ok {
			return
		}
		item, err := engine.Item(r.Context(), owner, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, "Failed to delete item")
			return
		}
		if err := engine.DeleteItem(r.Context(), item); err != nil {
			writeError(w, r, err, "Failed to delete item")
			return
		}
		render.NoContent(w, r)
	}
}

// Routes mounts the catalog API. Callers add authentication.
func Routes(engine *catalog.Engine) func(chi.Router) {
	return func(r chi.Router) {
		r.Route("/categories", func(r chi.Router) {
			r.Get("/", HandleListCategories(engine))
			r.Post("/", HandleAddCategory(engine))
			r.Post("/reorder", HandleReorderCategories(engine))
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", HandleRenameCategory(engine))
				r.Delete("/", HandleDeleteCategory(engine))
				r.Get("/items", HandleListItems(engine))
				r.Post("/items", HandleAddItem(engine))
			})
		})
		r.Route("/items/{id}", func(r chi.Router) {
			r.Put("/", HandleUpdateItem(engine))
			r.Delete("/", HandleDeleteItem(engine))
		})
	}
}
