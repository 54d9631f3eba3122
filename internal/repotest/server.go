// Package repotest runs an in-process fake of the hosted file API that
// github.Client talks to. It keeps files in memory, computes git blob SHAs
// and enforces the optimistic-concurrency rules of the contents API.
package repotest

import (
	"crypto/sha1" //nolint:gosec // git blob ids are SHA-1
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/restodb/github"
)

// Server is the fake. Create it with New.
type Server struct {
	Owner  string
	Repo   string
	Token  string
	Branch string

	// InlineLimit makes the contents API omit files larger than this many
	// bytes, forcing a blob API fallback. Zero disables it.
	InlineLimit int

	mu       sync.Mutex
	files    map[string][]byte
	commits  int
	requests int
	failures []int

	http *httptest.Server
}

type contentEntry struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha,omitempty"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content,omitempty"`
}

type writeBody struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch"`
}

// New starts the fake and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Owner:  "pilab",
		Repo:   "restaurant-data",
		Token:  "test-token",
		Branch: "main",
		files:  make(map[string][]byte),
	}
	s.http = httptest.NewServer(s.handler())
	t.Cleanup(s.http.Close)
	return s
}

// URL is the API base URL.
func (s *Server) URL() string { return s.http.URL }

// ClientConfig returns a client configuration pointing at the fake with fast retries.
func (s *Server) ClientConfig() github.Config {
	return github.Config{
		Owner:         s.Owner,
		Repo:          s.Repo,
		Token:         s.Token,
		Branch:        s.Branch,
		BaseURL:       s.URL(),
		Timeout:       2 * time.Second,
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
		MaxRetryAfter: 10 * time.Millisecond,
	}
}

// Put seeds a file and returns its blob SHA.
func (s *Server) Put(path string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), content...)
	return blobSHA(content)
}

// File returns a stored file.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return append([]byte(nil), b...), ok
}

// Commits counts accepted writes and deletes.
func (s *Server) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Requests counts every request received, including injected failures.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// FailNext answers the next requests with the given statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func blobSHA(content []byte) string {
	h := sha1.New() //nolint:gosec
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func message(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"message": msg})
}

func (s *Server) handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.Use(s.gate)

	repo := e.Group("/repos/:owner/:repo", s.repoOnly)
	repo.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"full_name": s.Owner + "/" + s.Repo, "default_branch": s.Branch})
	})
	repo.GET("/contents", s.getContents)
	repo.GET("/contents/*", s.getContents)
	repo.PUT("/contents/*", s.putContents)
	repo.DELETE("/contents/*", s.deleteContents)
	repo.GET("/git/blobs/:sha", s.getBlob)
	return e
}

// gate counts requests, injects queued failures and checks the token.
func (s *Server) gate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.requests++
		var status int
		if len(s.failures) > 0 {
			status, s.failures = s.failures[0], s.failures[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			if status == http.StatusTooManyRequests {
				c.Response().Header().Set("Retry-After", "0")
			}
			return message(c, status, http.StatusText(status))
		}
		if c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+s.Token {
			return message(c, http.StatusUnauthorized, "Bad credentials")
		}
		return next(c)
	}
}

func (s *Server) repoOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Param("owner") != s.Owner || c.Param("repo") != s.Repo {
			return message(c, http.StatusNotFound, "Not Found")
		}
		return next(c)
	}
}

func (s *Server) getContents(c echo.Context) error {
	path := strings.Trim(c.Param("*"), "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	if content, ok := s.files[path]; ok {
		entry := contentEntry{Type: "file", Name: baseName(path), Path: path, SHA: blobSHA(content), Size: len(content), Encoding: "base64"}
		if s.InlineLimit > 0 && len(content) > s.InlineLimit {
			entry.Encoding = "none"
		} else {
			entry.Content = wrap60(base64.StdEncoding.EncodeToString(content))
		}
		return c.JSON(http.StatusOK, entry)
	}

	entries := s.children(path)
	if len(entries) == 0 {
		return message(c, http.StatusNotFound, "Not Found")
	}
	return c.JSON(http.StatusOK, entries)
}

// children lists the direct entries of dir. Caller holds mu.
func (s *Server) children(dir string) []contentEntry {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seenDirs := make(map[string]bool)
	var out []contentEntry
	for p, content := range s.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if sub, _, nested := strings.Cut(rest, "/"); nested {
			if !seenDirs[sub] {
				seenDirs[sub] = true
				out = append(out, contentEntry{Type: "dir", Name: sub, Path: prefix + sub})
			}
			continue
		}
		out = append(out, contentEntry{Type: "file", Name: rest, Path: p, SHA: blobSHA(content), Size: len(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Server) putContents(c echo.Context) error {
	path := strings.Trim(c.Param("*"), "/")
	var body writeBody
	if err := c.Bind(&body); err != nil {
		return message(c, http.StatusBadRequest, "Problems parsing JSON")
	}
	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		return message(c, http.StatusUnprocessableEntity, "content is not valid Base64")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.files[path]
	status := http.StatusCreated
	switch {
	case exists && body.SHA == "":
		return message(c, http.StatusUnprocessableEntity, "Invalid request.\n\n\"sha\" wasn't supplied.")
	case exists && body.SHA != blobSHA(current):
		return message(c, http.StatusConflict, fmt.Sprintf("%s does not match %s", path, body.SHA))
	case !exists && body.SHA != "":
		return message(c, http.StatusConflict, fmt.Sprintf("%s does not exist", path))
	case exists:
		status = http.StatusOK
	}

	s.files[path] = content
	s.commits++
	sha := blobSHA(content)
	return c.JSON(status, echo.Map{
		"content": contentEntry{Type: "file", Name: baseName(path), Path: path, SHA: sha, Size: len(content)},
		"commit":  echo.Map{"sha": fmt.Sprintf("%040x", s.commits), "message": body.Message},
	})
}

func (s *Server) deleteContents(c echo.Context) error {
	path := strings.Trim(c.Param("*"), "/")
	var body writeBody
	if err := c.Bind(&body); err != nil {
		return message(c, http.StatusBadRequest, "Problems parsing JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.files[path]
	switch {
	case !exists:
		return message(c, http.StatusNotFound, "Not Found")
	case body.SHA != blobSHA(current):
		return message(c, http.StatusConflict, fmt.Sprintf("%s does not match %s", path, body.SHA))
	}
	delete(s.files, path)
	s.commits++
	return c.JSON(http.StatusOK, echo.Map{"content": nil, "commit": echo.Map{"sha": fmt.Sprintf("%040x", s.commits)}})
}

func (s *Server) getBlob(c echo.Context) error {
	sha := c.Param("sha")

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, content := range s.files {
		if blobSHA(content) == sha {
			return c.JSON(http.StatusOK, echo.Map{
				"sha":      sha,
				"size":     len(content),
				"encoding": "base64",
				"content":  wrap60(base64.StdEncoding.EncodeToString(content)),
			})
		}
	}
	return message(c, http.StatusNotFound, "Not Found")
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func wrap60(s string) string {
	var b strings.Builder
	for len(s) > 60 {
		b.WriteString(s[:60])
		b.WriteByte('\n')
		s = s[60:]
	}
	b.WriteString(s)
	return b.String()
}
