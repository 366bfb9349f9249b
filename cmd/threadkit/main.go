package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threadkit"
	"threadkit/comment"
	"threadkit/config"
)

// Headless demo host: mounts the engine against a live site, prints the
// discussion once loaded, and keeps streaming store changes until killed.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}
	ctx := context.Background()

	widget, err := threadkit.Mount(ctx, cfg)
	if err != nil {
		log.Fatalf("mount failed: %v", err)
	}
	defer widget.Destroy()

	cancel := widget.Store.Subscribe(func() {
		log.Printf("store changed: %d comments", widget.Store.Count())
	})
	defer cancel()

	if mode := os.Getenv("THREADKIT_SORT"); mode != "" {
		widget.Store.SetSortMode(comment.SortMode(mode))
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer fetchCancel()
	if err := widget.Fetch(fetchCtx); err != nil {
		log.Printf("WARNING: initial load failed (%s): %v", threadkit.ClassifyFailure(err), err)
	}

	for _, c := range widget.Store.Flatten() {
		marker := ""
		if c.ParentID != "" {
			marker = "  ↳ "
		}
		log.Printf("%s[%s] %s (score %d)", marker, c.ID, c.Body, c.Score())
	}
	log.Printf("ThreadKit mounted on %s (%d comments), streaming updates", cfg.PageURL, widget.Store.Count())

	if state := widget.Auth.State(); state.Authenticated() {
		log.Printf("signed in as %s", state.User.Username)
	} else {
		log.Printf("anonymous session (read-only until login)")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")
}
