// Package shortener turns long URLs in message text into short tracked
// links. The short_links table is authoritative; Redis is a read cache in
// front of it and correctness never depends on cache warmth.
package shortener

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	InsertLink(ctx context.Context, code, ownerID, targetURL string, now time.Time) (bool, error)
	LinkByCode(ctx context.Context, code string) (string, bool, error)
}

type Shortener struct {
	Store    Store
	Cache    *redis.Client // optional
	BaseURL  string        // e.g. https://s.example.com
	CacheTTL time.Duration
}

func New(store Store, cache *redis.Client, baseURL string) *Shortener {
	return &Shortener{Store: store, Cache: cache, BaseURL: strings.TrimRight(baseURL, "/"), CacheTTL: 24 * time.Hour}
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// codeFor derives a deterministic code from owner and target, so shortening
// the same URL twice yields the same link. Extra length resolves the rare
// collision with a different URL.
func codeFor(ownerID, targetURL string, length int) string {
	sum := sha256.Sum256([]byte(ownerID + "|" + targetURL))
	return strings.ToLower(codeEncoding.EncodeToString(sum[:]))[:length]
}

// Shorten returns a short URL for target, creating the link row if needed.
func (s *Shortener) Shorten(ctx context.Context, ownerID, targetURL string) (string, error) {
	now := time.Now().UTC()
	for length := 8; length <= 16; length += 2 {
		code := codeFor(ownerID, targetURL, length)
		inserted, err := s.Store.InsertLink(ctx, code, ownerID, targetURL, now)
		if err != nil {
			return "", err
		}
		if inserted {
			return s.BaseURL + "/" + code, nil
		}
		existing, found, err := s.Store.LinkByCode(ctx, code)
		if err != nil {
			return "", err
		}
		if found && existing == targetURL {
			return s.BaseURL + "/" + code, nil
		}
		// code collision with a different URL; lengthen and retry
	}
	code := codeFor(ownerID, targetURL, 16)
	return s.BaseURL + "/" + code, nil
}

// Resolve looks a code up, cache first.
func (s *Shortener) Resolve(ctx context.Context, code string) (string, bool, error) {
	if s.Cache != nil {
		target, err := s.Cache.Get(ctx, "sl:"+code).Result()
		if err == nil {
			return target, true, nil
		}
		if err != redis.Nil {
			slog.Warn("short link cache read failed", "error", err)
		}
	}

	target, found, err := s.Store.LinkByCode(ctx, code)
	if err != nil || !found {
		return "", false, err
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, "sl:"+code, target, s.CacheTTL).Err(); err != nil {
			slog.Warn("short link cache write failed", "error", err)
		}
	}
	return target, true, nil
}

// ShortenAllInText replaces every URL in text with its short form. A failed
// shortening leaves that URL as is.
func (s *Shortener) ShortenAllInText(ctx context.Context, ownerID, text string) string {
	return urlPattern.ReplaceAllStringFunc(text, func(u string) string {
		short, err := s.Shorten(ctx, ownerID, u)
		if err != nil {
			slog.Warn("url shortening failed", "error", err)
			return u
		}
		return short
	})
}
