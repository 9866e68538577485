package byterange

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body = "0123456789"

// feed 以固定块大小把正文送入过滤器。
func feed(f *Filter, data string, chunk int) string {
	var out bytes.Buffer
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		if end > len(data) {
			end = len(data)
		}
		out.Write(f.Filter([]byte(data[i:end])))
	}
	out.Write(f.Finalize())
	return out.String()
}

func TestFilterSingleReproducesRequestedBytes(t *testing.T) {
	specs := []Spec{{0, 10}, {0, 1}, {9, 10}, {2, 6}, {4, 5}}
	for _, spec := range specs {
		for chunk := 1; chunk <= len(body)+1; chunk++ {
			n := Negotiation{Kind: Single, Ranges: []Spec{spec}}
			got := feed(NewFilter(n, "text/plain", int64(len(body))), body, chunk)
			require.Equal(t, body[spec.Start:spec.End], got, "spec %+v chunk %d", spec, chunk)
		}
	}
}

func TestFilterNonePassesThrough(t *testing.T) {
	f := NewFilter(Negotiation{Kind: None}, "", 10)
	assert.Equal(t, body, feed(f, body, 3))
	assert.False(t, f.Done())
}

func TestFilterInvalidDropsEverything(t *testing.T) {
	f := NewFilter(Negotiation{Kind: Invalid}, "", 10)
	assert.Empty(t, feed(f, body, 4))
}

func TestFilterMultipartFraming(t *testing.T) {
	n := Negotiation{Kind: Multi, Ranges: []Spec{{0, 2}, {3, 5}, {6, 8}}, Boundary: "xyz"}
	var expected strings.Builder
	for _, spec := range n.Ranges {
		fmt.Fprintf(&expected, "--xyz\r\nContent-Type: text/plain\r\nContent-Range: bytes %d-%d/10\r\n\r\n%s\r\n",
			spec.Start, spec.End-1, body[spec.Start:spec.End])
	}
	expected.WriteString("--xyz--\r\n")

	for chunk := 1; chunk <= len(body); chunk++ {
		got := feed(NewFilter(n, "text/plain", 10), body, chunk)
		require.Equal(t, expected.String(), got, "chunk %d", chunk)
		require.Equal(t, MultipartLength(n, "text/plain", 10), int64(len(got)))
	}
}

func TestFilterMultipartWithoutContentTypeFallsBackToOctetStream(t *testing.T) {
	n := Negotiation{Kind: Multi, Ranges: []Spec{{0, 1}, {9, 10}}, Boundary: "b"}
	got := feed(NewFilter(n, "", 10), body, 10)
	assert.Equal(t, "--b\r\nContent-Type: application/octet-stream\r\nContent-Range: bytes 0-0/10\r\n\r\n0\r\n"+
		"--b\r\nContent-Type: application/octet-stream\r\nContent-Range: bytes 9-9/10\r\n\r\n9\r\n--b--\r\n", got)
	assert.Equal(t, MultipartLength(n, "", 10), int64(len(got)))
}

func TestFilterDoneAfterLastRange(t *testing.T) {
	f := NewFilter(Negotiation{Kind: Single, Ranges: []Spec{{0, 3}}}, "", 10)
	assert.Equal(t, "012", string(f.Filter([]byte("0123"))))
	assert.True(t, f.Done())
	assert.Empty(t, f.Filter([]byte("456789")))
}

func TestWriterAppliesFilterAndTerminator(t *testing.T) {
	var dst bytes.Buffer
	n := Negotiation{Kind: Multi, Ranges: []Spec{{1, 2}, {4, 6}}, Boundary: "q"}
	w := NewWriter(&dst, NewFilter(n, "application/octet-stream", 10))

	for _, part := range []string{"01", "234", "56789"} {
		written, err := w.Write([]byte(part))
		require.NoError(t, err)
		require.Equal(t, len(part), written)
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.True(t, strings.HasSuffix(dst.String(), "--q--\r\n"))
	assert.Equal(t, 1, strings.Count(dst.String(), "--q--\r\n"))
	assert.Contains(t, dst.String(), "Content-Range: bytes 4-5/10\r\n\r\n45\r\n")
}
