// Package web provides the embedded chat interface for Valet: a single
// page that submits turns, shows approval prompts with approve/reject
// buttons, and renders assistant replies as markdown.
package web

import (
	"bytes"
	"embed"
	"encoding/json"
	"io"
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed static/*
var staticFiles embed.FS

// markdown renders assistant replies for the chat page. GFM matches
// what the planner models tend to emit (tables, strikethrough,
// autolinks).
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// RegisterRoutes adds the chat UI routes to a mux. The page drives the
// /v1 API endpoints registered elsewhere on the same mux.
func RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /web", handleChat)
	mux.HandleFunc("GET /web/pair", handlePair)
	mux.HandleFunc("POST /web/render", handleRender)
}

// handleChat serves the embedded chat page.
func handleChat(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/chat.html")
	if err != nil {
		http.Error(w, "chat page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// handlePair serves a QR code PNG encoding this server's chat URL so a
// phone on the same network can open the UI without typing an address.
func handlePair(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	chatURL := scheme + "://" + r.Host + "/web"

	png, err := qrcode.Encode(chatURL, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// renderRequest is the body for POST /web/render.
type renderRequest struct {
	Markdown string `json:"markdown"`
}

// handleRender converts markdown to HTML for the chat page. Kept
// server-side so the page needs no JS markdown library.
func handleRender(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	var req renderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(req.Markdown), &buf); err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
