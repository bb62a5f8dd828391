// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"crypto/md5"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func padBody(body string) string {
	for len(body) < minimumMessageSize+50 {
		body += " padding to clear the minimum size threshold"
	}
	return body
}

func simpleMessage(messageID string) []byte {
	headers := "From: a@example.com\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\nSubject: hi\r\nContent-Type: text/plain\r\n"
	if messageID != "" {
		headers = "Message-Id: " + messageID + "\r\n" + headers
	}
	return []byte(headers + "\r\n" + padBody("body"))
}

func TestIdentityKeyFromMessageID(t *testing.T) {
	raw := simpleMessage("<abc@example.com>")
	key, err := IdentityKey(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc@example.com", key)
}

func TestIdentityKeyFallsBackToMD5(t *testing.T) {
	raw := simpleMessage("")
	key, err := IdentityKey(raw)
	require.NoError(t, err)
	sum := md5.Sum(raw)
	assert.Equal(t, fmt.Sprintf("%x", sum), key)
}

func TestCheckIntegrityRejectsUndersized(t *testing.T) {
	err := CheckIntegrity([]byte("From: a@b.com\r\n\r\ntiny"))
	assert.Error(t, err)
}

func TestCheckIntegrityRejectsMissingHeader(t *testing.T) {
	raw := []byte("From: a@example.com\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\nContent-Type: text/plain\r\n\r\n" + padBody("body"))
	err := CheckIntegrity(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Subject")
}

func TestCheckIntegrityAcceptsWellFormedSimpleMessage(t *testing.T) {
	raw := simpleMessage("<abc@example.com>")
	assert.NoError(t, CheckIntegrity(raw))
}

func TestCheckIntegrityRequiresClosingBoundaryForMultipart(t *testing.T) {
	body := "--BOUND\r\nContent-Type: text/plain\r\n\r\nhello\r\n--BOUND--\r\n"
	raw := []byte("From: a@example.com\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\nSubject: hi\r\n" +
		`Content-Type: multipart/mixed; boundary="BOUND"` + "\r\n\r\n" + padBody(body))
	assert.NoError(t, CheckIntegrity(raw))
}

func TestCheckIntegrityRejectsMultipartMissingClosingBoundary(t *testing.T) {
	body := "--BOUND\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	raw := []byte("From: a@example.com\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\nSubject: hi\r\n" +
		`Content-Type: multipart/mixed; boundary="BOUND"` + "\r\n\r\n" + padBody(body))
	err := CheckIntegrity(raw)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "closing boundary"))
}
