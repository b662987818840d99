package credentials

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() *permissionsDocument {
	notAfter := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &permissionsDocument{
		ApplicationID: 42,
		GroupID:       10,
		GroupName:     "alpha",
		Publish: []grantEntry{
			{Topic: "B.alpha.telemetry"},
		},
		Subscribe: []grantEntry{
			{Topic: "C.alpha.commands", NotAfter: &notAfter},
		},
	}
}

func TestRenderXMLDeterministic(t *testing.T) {
	first, err := sampleDoc().renderXML()
	require.NoError(t, err)
	second, err := sampleDoc().renderXML()
	require.NoError(t, err)

	// Same grants always produce the same bytes, which is what makes the
	// content-hash validator stable between permission changes.
	assert.Equal(t, first, second)

	out := string(first)
	assert.Contains(t, out, "<topic>B.alpha.telemetry</topic>")
	assert.Contains(t, out, "<topic>C.alpha.commands</topic>")
	assert.Contains(t, out, "CN=permitd:app:42:group:10")
	assert.Contains(t, out, `<default>DENY</default>`)
}

func TestRenderXMLNonceChangesContent(t *testing.T) {
	plain, err := sampleDoc().renderXML()
	require.NoError(t, err)

	withNonce := sampleDoc()
	withNonce.Nonce = "unity"
	nonced, err := withNonce.renderXML()
	require.NoError(t, err)

	assert.NotEqual(t, plain, nonced)
	assert.True(t, strings.Contains(string(nonced), ":nonce:unity"))
}

func TestRenderJSON(t *testing.T) {
	out, err := sampleDoc().renderJSON()
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `"application_id": 42`)
	assert.Contains(t, s, `"group_name": "alpha"`)
	assert.Contains(t, s, `"B.alpha.telemetry"`)
	assert.Contains(t, s, `"not_after"`)
}

func TestRenderJSONEmptyGrantsAreArrays(t *testing.T) {
	doc := &permissionsDocument{ApplicationID: 42, GroupID: 10, GroupName: "alpha"}
	out, err := doc.renderJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"publish": []`)
	assert.Contains(t, string(out), `"subscribe": []`)
}
