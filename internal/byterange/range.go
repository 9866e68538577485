package byterange

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind 描述一次 Range 协商的结论。
type Kind uint8

const (
	// None 表示返回完整正文。
	None Kind = iota
	// Single 表示返回单个区间。
	Single
	// Multi 表示返回 multipart/byteranges。
	Multi
	// Invalid 表示区间不可满足，返回 416。
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case Multi:
		return "multi"
	case Invalid:
		return "invalid"
	default:
		return "none"
	}
}

// DefaultMaxRanges 是单个请求允许的最大区间数。
const DefaultMaxRanges = 200

// Spec 表示一个半开区间 [Start, End)。
type Spec struct {
	Start int64
	End   int64
}

// Len 返回区间字节数。
func (s Spec) Len() int64 {
	return s.End - s.Start
}

// ContentRange 返回 `bytes a-b/total` 形式的 Content-Range 值。
func (s Spec) ContentRange(total int64) string {
	return "bytes " + strconv.FormatInt(s.Start, 10) + "-" + strconv.FormatInt(s.End-1, 10) + "/" + strconv.FormatInt(total, 10)
}

// Negotiation 为 Negotiate 的结果。Ranges 按升序排列且互不重叠。
type Negotiation struct {
	Kind     Kind
	Ranges   []Spec
	Boundary string
}

// ErrUnsupportedUnit 表示 Range 单位不是 bytes，此时忽略 Range 头。
var ErrUnsupportedUnit = errors.New("unsupported range unit")

// ErrUnsatisfiable 表示区间语法合法但无法满足。
var ErrUnsatisfiable = errors.New("range not satisfiable")

// Negotiate 根据请求的 Range / If-Range 与响应信息决定如何返回正文。
// contentLength < 0 表示长度未知，此时总是返回 None。
func Negotiate(reqHeader, respHeader http.Header, contentLength int64, maxRanges int) Negotiation {
	raw := strings.TrimSpace(reqHeader.Get("Range"))
	if raw == "" || contentLength < 0 {
		return Negotiation{Kind: None}
	}
	if ifRange := strings.TrimSpace(reqHeader.Get("If-Range")); ifRange != "" && !IfRangeMatches(ifRange, respHeader) {
		return Negotiation{Kind: None}
	}

	ranges, err := Parse(raw, contentLength, maxRanges)
	switch {
	case errors.Is(err, ErrUnsupportedUnit):
		return Negotiation{Kind: None}
	case err != nil:
		return Negotiation{Kind: Invalid}
	case len(ranges) == 1:
		return Negotiation{Kind: Single, Ranges: ranges}
	default:
		return Negotiation{Kind: Multi, Ranges: ranges, Boundary: NewBoundary()}
	}
}

// Parse 解析 `bytes=a-b, a-, -n` 形式的 Range 头，结束位置会被截断到 contentLength-1。
// 区间必须升序且不重叠，数量超过 maxRanges（>0 时生效）视为非法。
func Parse(value string, contentLength int64, maxRanges int) ([]Spec, error) {
	unit, set, ok := strings.Cut(strings.TrimSpace(value), "=")
	if !ok {
		return nil, errors.Errorf("malformed range header %q", value)
	}
	if !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil, ErrUnsupportedUnit
	}

	parts := strings.Split(set, ",")
	if maxRanges > 0 && len(parts) > maxRanges {
		return nil, errors.Errorf("too many ranges: %d > %d", len(parts), maxRanges)
	}

	specs := make([]Spec, 0, len(parts))
	for _, part := range parts {
		spec, err := parseSpec(strings.TrimSpace(part), contentLength)
		if err != nil {
			return nil, err
		}
		if n := len(specs); n > 0 && spec.Start < specs[n-1].End {
			return nil, errors.Wrapf(ErrUnsatisfiable, "range %q overlaps or is out of order", part)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseSpec(part string, contentLength int64) (Spec, error) {
	first, last, ok := strings.Cut(part, "-")
	if !ok {
		return Spec{}, errors.Errorf("malformed range %q", part)
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		suffix, err := parseOffset(last)
		if errors.Is(err, strconv.ErrRange) {
			suffix, err = contentLength, nil
		}
		if err != nil {
			return Spec{}, errors.Wrap(err, "invalid suffix range")
		}
		if suffix == 0 || contentLength == 0 {
			return Spec{}, errors.Wrapf(ErrUnsatisfiable, "empty suffix range %q", part)
		}
		if suffix > contentLength {
			suffix = contentLength
		}
		return Spec{Start: contentLength - suffix, End: contentLength}, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return Spec{}, errors.Wrap(err, "invalid range start")
	}
	end := contentLength - 1
	if last != "" {
		parsed, err := parseOffset(last)
		if errors.Is(err, strconv.ErrRange) {
			parsed, err = end, nil
		}
		if err != nil {
			return Spec{}, errors.Wrap(err, "invalid range end")
		}
		if parsed < end {
			end = parsed
		}
	}
	if start > end {
		return Spec{}, errors.Wrapf(ErrUnsatisfiable, "range %q starts after end", part)
	}
	return Spec{Start: start, End: end + 1}, nil
}

// parseOffset 只接受十进制数字，拒绝符号与空串。超出 int64 时返回 strconv.ErrRange，
// 结束位置与后缀长度据此截断。
func parseOffset(value string) (int64, error) {
	if value == "" {
		return 0, errors.New("empty offset")
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("non-digit offset %q", value)
		}
	}
	return strconv.ParseInt(value, 10, 64)
}

// IfRangeMatches 判断 If-Range 是否与响应的强 ETag 或 Last-Modified 完全一致。
// 弱 ETag 永不匹配。
func IfRangeMatches(ifRange string, respHeader http.Header) bool {
	ifRange = strings.TrimSpace(ifRange)
	if strings.HasPrefix(ifRange, "W/") {
		return false
	}
	if strings.HasPrefix(ifRange, `"`) {
		etag := strings.TrimSpace(respHeader.Get("ETag"))
		if etag == "" || strings.HasPrefix(etag, "W/") {
			return false
		}
		return etag == ifRange
	}
	lastModified := strings.TrimSpace(respHeader.Get("Last-Modified"))
	return lastModified != "" && lastModified == ifRange
}

// NewBoundary 生成 multipart 分隔符。
func NewBoundary() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
