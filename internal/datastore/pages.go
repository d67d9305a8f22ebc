package datastore

import (
	"context"
	"slices"

	"kvclient/internal/storage"
)

// KeyPages walks a key listing page by page.
type KeyPages struct {
	c    *Client
	opts storage.ListKeysOptions
	page storage.KeyPage
}

func (p *KeyPages) fetch(ctx context.Context) error {
	opts := p.opts
	page, err := call(ctx, p.c, opListKeys, func(ctx context.Context) (storage.KeyPage, error) {
		return p.c.store.ListKeys(ctx, opts)
	}).Wait()
	if err != nil {
		return err
	}
	p.page = page
	return nil
}

// CurrentPage returns the keys of the current page.
func (p *KeyPages) CurrentPage() []string {
	return slices.Clone(p.page.Keys)
}

// IsFinished reports whether the current page is the last one.
func (p *KeyPages) IsFinished() bool {
	return p.page.Cursor == ""
}

// Next advances to the following page. It blocks.
func (p *KeyPages) Next(ctx context.Context) error {
	if p.IsFinished() {
		return ErrNoMorePages
	}
	p.opts.Cursor = p.page.Cursor
	return p.fetch(ctx)
}

// All collects the keys of the current and every remaining page.
func (p *KeyPages) All(ctx context.Context) ([]string, error) {
	keys := p.CurrentPage()
	for !p.IsFinished() {
		if err := p.Next(ctx); err != nil {
			return keys, err
		}
		keys = append(keys, p.page.Keys...)
	}
	return keys, nil
}

// VersionPages walks the version history of one key page by page.
type VersionPages struct {
	c    *Client
	key  string
	opts storage.ListVersionsOptions
	page storage.VersionPage
}

func (p *VersionPages) fetch(ctx context.Context) error {
	opts := p.opts
	page, err := call(ctx, p.c, opListVersions, func(ctx context.Context) (storage.VersionPage, error) {
		return p.c.store.ListVersions(ctx, p.key, opts)
	}).Wait()
	if err != nil {
		return err
	}
	p.page = page
	return nil
}

// CurrentPage returns the versions of the current page.
func (p *VersionPages) CurrentPage() []storage.VersionInfo {
	return slices.Clone(p.page.Versions)
}

// IsFinished reports whether the current page is the last one.
func (p *VersionPages) IsFinished() bool {
	return p.page.Cursor == ""
}

// Next advances to the following page. It blocks.
func (p *VersionPages) Next(ctx context.Context) error {
	if p.IsFinished() {
		return ErrNoMorePages
	}
	p.opts.Cursor = p.page.Cursor
	return p.fetch(ctx)
}
