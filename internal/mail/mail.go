// SPDX-License-Identifier: GPL-3.0-or-later

// Package mail extracts a message's identity key and checks its
// integrity before upload, grounded on the teacher's header-parsing
// approach (net/mail.ReadMessage plus a content hash fallback) in
// CrawX/mail/mail.go, generalized from CrawX's Received+Message-Id
// dedup hash into spec.md §3's Message-ID-first identity rule.
package mail

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"mime"
	stdmail "net/mail"
	"strings"
)

const minimumMessageSize = 100

var requiredHeaders = []string{"Content-Type", "From", "Date", "Subject"}

// IdentityKey returns the message's deduplication key, per spec.md §3:
// the Message-ID header with angle brackets and CR/LF stripped, or a
// lowercase hex MD5 of the raw bytes when no Message-ID is present.
func IdentityKey(raw []byte) (string, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("could not parse message for identity: %w", err)
	}

	if id := msg.Header.Get("Message-Id"); id != "" {
		return sanitizeMessageID(id), nil
	}

	sum := md5.Sum(raw)
	return fmt.Sprintf("%x", sum), nil
}

func sanitizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.Trim(id, "<>")
	id = strings.ReplaceAll(id, "\r", "")
	id = strings.ReplaceAll(id, "\n", "")
	return id
}

// CheckIntegrity validates the invariants spec.md §3 names for a
// downloaded message before it is handed to the upload pipeline: size
// at least 100 bytes, the four required headers present (case
// insensitive), and, for multipart messages, a closing boundary line.
func CheckIntegrity(raw []byte) error {
	if len(raw) < minimumMessageSize {
		return fmt.Errorf("message is %d bytes, below the %d byte minimum", len(raw), minimumMessageSize)
	}

	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("could not parse message: %w", err)
	}

	for _, h := range requiredHeaders {
		if msg.Header.Get(h) == "" {
			return fmt.Errorf("missing required header %q", h)
		}
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Not a well-formed Content-Type at all; headers-present check
		// above already covers presence, malformed value is tolerated
		// since spec.md §3 only names presence as the invariant.
		return nil
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("multipart message missing boundary parameter")
	}
	closing := []byte("--" + boundary + "--")
	if !bytes.Contains(raw, closing) {
		return fmt.Errorf("multipart message missing closing boundary %q", closing)
	}
	return nil
}
