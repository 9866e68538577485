package byterange

import (
	"net/http"
	"strconv"
)

// Rewrite 根据协商结果改写状态码与响应头，返回新的状态码。
// Multi 时会把原 Content-Type 换成 multipart/byteranges，调用方需提前保存原值。
func Rewrite(status int, header http.Header, n Negotiation, total int64) int {
	switch n.Kind {
	case Single:
		spec := n.Ranges[0]
		header.Set("Content-Range", spec.ContentRange(total))
		header.Set("Content-Length", strconv.FormatInt(spec.Len(), 10))
		return http.StatusPartialContent
	case Multi:
		contentType := header.Get("Content-Type")
		header.Del("Content-Range")
		header.Set("Content-Type", "multipart/byteranges; boundary="+n.Boundary)
		header.Set("Content-Length", strconv.FormatInt(MultipartLength(n, contentType, total), 10))
		return http.StatusPartialContent
	case Invalid:
		header.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		header.Set("Content-Length", "0")
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return status
	}
}

// MultipartLength 计算 multipart/byteranges 正文的精确长度。
func MultipartLength(n Negotiation, contentType string, total int64) int64 {
	var length int64
	for _, spec := range n.Ranges {
		length += int64(len(partHeader(n.Boundary, contentType, spec, total)))
		length += spec.Len() + 2
	}
	return length + int64(len(terminator(n.Boundary)))
}

// defaultPartType 用于上游未声明 Content-Type 的对象。
const defaultPartType = "application/octet-stream"

func partHeader(boundary, contentType string, spec Spec, total int64) string {
	if contentType == "" {
		contentType = defaultPartType
	}
	header := "--" + boundary + "\r\n" + "Content-Type: " + contentType + "\r\n"
	return header + "Content-Range: " + spec.ContentRange(total) + "\r\n\r\n"
}

func terminator(boundary string) string {
	return "--" + boundary + "--\r\n"
}
