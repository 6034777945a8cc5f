package ami

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Param is one key/value line of an action body.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of action parameters.
type Params []Param

// Add appends key/value. Empty values are skipped; the manager treats an
// empty header as absent.
func (p *Params) Add(key, value string) *Params {
	if value == "" {
		return p
	}
	*p = append(*p, Param{Key: key, Value: value})
	return p
}

// Get returns the value of the first parameter with a matching key.
func (p Params) Get(key string) string {
	for _, kv := range p {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value
		}
	}
	return ""
}

// String renders the parameters as "Key: Value\r\n" lines.
func (p Params) String() string {
	var b strings.Builder
	for _, kv := range p {
		b.WriteString(kv.Key)
		b.WriteString(": ")
		b.WriteString(kv.Value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// ParseParams turns "Key=Value" or "Key: Value" strings into Params. The
// first separator wins, so values may contain either character.
func ParseParams(args []string) (Params, error) {
	var params Params
	for _, arg := range args {
		i := strings.IndexAny(arg, "=:")
		if i <= 0 || strings.TrimSpace(arg[:i]) == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected Key=Value", arg)
		}
		params.Add(strings.TrimSpace(arg[:i]), strings.TrimSpace(arg[i+1:]))
	}
	return params, nil
}

// FormatAction builds the wire form of an action:
//
//	Action: <name>\r\n<body>\r\n\r\n
//
// The body is produced with fmt.Sprintf(format, args...). Bodies written with
// or without their own trailing CRLF produce identical bytes.
func FormatAction(name, format string, args ...any) []byte {
	var body string
	if format != "" {
		body = fmt.Sprintf(format, args...)
	}
	body = strings.TrimRight(body, "\r\n")

	var b strings.Builder
	b.Grow(len("Action: \r\n\r\n\r\n") + len(name) + len(body))
	b.WriteString("Action: ")
	b.WriteString(name)
	b.WriteString("\r\n")
	if body != "" {
		b.WriteString(body)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// NewActionID returns a fresh identifier for the ActionID header.
func NewActionID() string {
	return uuid.NewString()
}
