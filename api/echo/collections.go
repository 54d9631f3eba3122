package echo

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"go.pilab.hu/restodb/api"
	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/middleware"
	"go.pilab.hu/restodb/query"
)

// collectionAccess hides reserved collections and requires either the
// resource permission ("orders:read", "orders:manage") or the generic
// collections permission for the action.
func (a *API) collectionAccess(action string) echo.MiddlewareFunc {
	perms := middleware.RequirePermissionFunc(a.auth, func(c echo.Context) []string {
		generic := "collections:" + action
		name := c.Param("name")
		if name == "" {
			return []string{generic}
		}
		resource := name + ":manage"
		if action == "read" {
			resource = name + ":read"
		}
		return []string{resource, generic}
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := perms(next)
		return func(c echo.Context) error {
			if a.hidden[c.Param("name")] {
				return c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "not_found"})
			}
			return guarded(c)
		}
	}
}

func (a *API) ListCollectionsHandler(c echo.Context) error {
	names, err := a.db.Collections(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	visible := make([]string, 0, len(names))
	for _, n := range names {
		if !a.hidden[n] {
			visible = append(visible, n)
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"collections": visible})
}

// QueryHandler filters, sorts and limits a collection from query parameters.
// See query.ApplyParams for the parameter syntax.
func (a *API) QueryHandler(c echo.Context) error {
	q := a.db.Collection(c.Param("name")).Query()
	if err := query.ApplyParams(q, c.QueryParams()); err != nil {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_query", Description: err.Error()})
	}
	docs, err := q.Exec(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, api.ListResponse{Count: len(docs), Items: docs})
}

func (a *API) GetHandler(c echo.Context) error {
	doc, err := a.db.Collection(c.Param("name")).Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

// InsertHandler accepts one document or an array inserted as one batch.
func (a *API) InsertHandler(c echo.Context) error {
	var body any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request", Description: "body must be a JSON object or array"})
	}
	coll := a.db.Collection(c.Param("name"))
	ctx := c.Request().Context()

	switch v := body.(type) {
	case map[string]any:
		doc, err := coll.Insert(ctx, domain.Document(v))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, doc)
	case []any:
		docs := make([]domain.Document, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request", Description: "array items must be objects"})
			}
			docs = append(docs, domain.Document(m))
		}
		stored, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, api.ListResponse{Count: len(stored), Items: stored})
	}
	return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request", Description: "body must be a JSON object or array"})
}

func bindDocument(c echo.Context) (domain.Document, error) {
	var doc domain.Document
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil || doc == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest)
	}
	return doc, nil
}

// UpdateHandler merges the body into the stored document. Null fields are removed.
func (a *API) UpdateHandler(c echo.Context) error {
	patch, err := bindDocument(c)
	if err != nil {
		return fail(c, err)
	}
	doc, err := a.db.Collection(c.Param("name")).Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (a *API) ReplaceHandler(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return fail(c, err)
	}
	doc, err := a.db.Collection(c.Param("name")).Replace(c.Request().Context(), c.Param("id"), body)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (a *API) DeleteHandler(c echo.Context) error {
	if err := a.db.Collection(c.Param("name")).Delete(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
