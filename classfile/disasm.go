package classfile

import (
	"fmt"
	"strings"
)

// Disassemble returns one line per instruction. Undecodable tails are
// reported inline.
func Disassemble(code []byte) string {
	var lines []string
	for pos := 0; pos < len(code); {
		ins, size, err := DecodeAt(code, pos)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%04d  <%v>", pos, err))
			break
		}
		lines = append(lines, ins.String())
		pos += size
	}
	return strings.Join(lines, "\n")
}

// DisassembleMethod prints a method header, its code and its exception
// table.
func DisassembleMethod(owner string, m *Method) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.%s%s", owner, m.Name, m.Descriptor)
	if m.Code == nil {
		sb.WriteString(" (no code)\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, " stack=%d locals=%d\n", m.Code.MaxStack, m.Code.MaxLocals)
	if len(m.Code.Bytes) > 0 {
		sb.WriteString(Disassemble(m.Code.Bytes))
		sb.WriteByte('\n')
	}
	for _, h := range m.Code.Handlers {
		catch := h.CatchType
		if catch == "" {
			catch = "any"
		}
		fmt.Fprintf(&sb, "  try %04d-%04d -> %04d %s\n", h.Start, h.End, h.Handler, catch)
	}
	return sb.String()
}
