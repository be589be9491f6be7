package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

func TestJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"raw object", "  {\"a\":1}\n", `{"a":1}`},
		{"raw array", `[1,2]`, `[1,2]`},
		{
			"browser wrapped",
			`<html><head></head><body><pre style="word-wrap: break-word;">{"a":"&lt;b&gt;"}</pre></body></html>`,
			`{"a":"<b>"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := JSON([]byte(tt.body))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestJSONWithoutPayload(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"<html><body><p>blocked</p></body></html>", "<pre>  </pre>", ""} {
		_, err := JSON([]byte(body))
		var shapeErr *crawler.ParseShapeError
		assert.True(t, errors.As(err, &shapeErr), "body %q", body)
	}
}
