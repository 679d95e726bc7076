package classfile

import (
	"fmt"
	"strings"
)

// ParseMethodDescriptor splits "(IJLjava/lang/String;)V" into its parameter
// field descriptors and return descriptor.
func ParseMethodDescriptor(desc string) ([]string, string, error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("%w: method descriptor %q", ErrMalformed, desc)
	}
	var params []string
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldLength(desc[i:])
		if err != nil {
			return nil, "", fmt.Errorf("%w: method descriptor %q", ErrMalformed, desc)
		}
		params = append(params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("%w: method descriptor %q", ErrMalformed, desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		if n, err := fieldLength(ret); err != nil || n != len(ret) {
			return nil, "", fmt.Errorf("%w: method descriptor %q", ErrMalformed, desc)
		}
	}
	return params, ret, nil
}

func fieldLength(s string) (int, error) {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims == len(s) {
		return 0, ErrMalformed
	}
	switch s[dims] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return dims + 1, nil
	case 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end < 0 {
			return 0, ErrMalformed
		}
		return dims + end + 1, nil
	}
	return 0, ErrMalformed
}

// Slots returns the stack or variable cells a value of the field descriptor
// occupies: 2 for long and double, 0 for void, 1 otherwise.
func Slots(desc string) int {
	switch desc {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}

// ParameterSlots returns the variable slot of each parameter and the total
// slot count, counting the receiver of instance methods as slot 0.
func ParameterSlots(desc string, static bool) ([]int, int, error) {
	params, _, err := ParseMethodDescriptor(desc)
	if err != nil {
		return nil, 0, err
	}
	slot := 0
	if !static {
		slot = 1
	}
	out := make([]int, len(params))
	for i, p := range params {
		out[i] = slot
		slot += Slots(p)
	}
	return out, slot, nil
}

// ClassOf returns the internal class name of a reference descriptor:
// "Ljava/lang/String;" gives "java/lang/String", arrays are kept as
// descriptors. Primitives give "".
func ClassOf(desc string) string {
	switch {
	case strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";"):
		return desc[1 : len(desc)-1]
	case strings.HasPrefix(desc, "["):
		return desc
	}
	return ""
}
