package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Stage is the three-way handshake position of one frame.
type Stage uint8

const (
	StageRequest Stage = iota
	StageResponse
	StageApprove
)

const (
	// Terminator ends every wire line.
	Terminator = "\r\n"
	// MaxIDLen is the hex length of a 64-bit sequence id.
	MaxIDLen = 16
)

var (
	ErrParse           = errors.New("frame: parse error")
	ErrMissingStage    = fmt.Errorf("%w: missing stage", ErrParse)
	ErrUnknownStage    = fmt.Errorf("%w: unknown stage", ErrParse)
	ErrMissingID       = fmt.Errorf("%w: missing sequence id", ErrParse)
	ErrInvalidID       = fmt.Errorf("%w: invalid sequence id", ErrParse)
	ErrMissingCommand  = fmt.Errorf("%w: missing command", ErrParse)
	ErrLineTooLarge    = fmt.Errorf("%w: line too large", ErrParse)
	ErrEmptyCommand    = errors.New("frame: empty command")
	ErrLineHasNewlines = errors.New("frame: line contains terminator")
)

func (s Stage) String() string {
	switch s {
	case StageRequest:
		return "REQUEST"
	case StageResponse:
		return "RESPONSE"
	case StageApprove:
		return "APPROVE"
	default:
		return fmt.Sprintf("STAGE(%d)", uint8(s))
	}
}

// ParseStage accepts stage names and the numeric markers 0, 1 and 2.
func ParseStage(raw string) (Stage, error) {
	switch strings.ToUpper(raw) {
	case "REQUEST", "0":
		return StageRequest, nil
	case "RESPONSE", "1":
		return StageResponse, nil
	case "APPROVE", "2":
		return StageApprove, nil
	case "":
		return 0, ErrMissingStage
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, raw)
	}
}

// Frame is one complete wire message.
type Frame struct {
	Stage   Stage
	ID      string
	Command string
	Args    []string
}

// Arg returns argument i or "" when absent.
func (f Frame) Arg(i int) string {
	if i < 0 || i >= len(f.Args) {
		return ""
	}
	return f.Args[i]
}

// Tokens returns the command slot followed by the arguments. For RESPONSE and
// APPROVE frames token 0 is the status tag and token 1 the echoed command.
func (f Frame) Tokens() []string {
	out := make([]string, 0, len(f.Args)+1)
	out = append(out, f.Command)
	return append(out, f.Args...)
}

func (f Frame) String() string {
	return Build(f.Stage, f.ID, f.Command, f.Args...)
}

// Limits constrains line decode/encode memory use.
type Limits struct {
	MaxLineBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes: 1024 * 1024,
	}
}

// Parse decodes one wire line into a frame.
func Parse(line string) (Frame, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	rest := strings.TrimLeft(line, " \t")
	stageTok, rest := nextToken(rest)
	stage, err := ParseStage(stageTok)
	if err != nil {
		return Frame{}, err
	}

	idTok, rest := nextToken(rest)
	if idTok == "" {
		return Frame{}, ErrMissingID
	}
	if err := validateID(idTok); err != nil {
		return Frame{}, err
	}

	tokens, err := SplitArgs(rest)
	if err != nil {
		return Frame{}, err
	}
	if len(tokens) == 0 {
		return Frame{}, ErrMissingCommand
	}

	args := tokens[1:]
	if len(args) == 0 {
		args = nil
	}
	return Frame{
		Stage:   stage,
		ID:      idTok,
		Command: tokens[0],
		Args:    args,
	}, nil
}

// Build encodes a frame as one wire line without the terminator.
func Build(stage Stage, id, command string, args ...string) string {
	var b strings.Builder
	b.WriteString(stage.String())
	b.WriteByte(' ')
	b.WriteString(id)
	b.WriteByte(' ')
	b.WriteString(QuoteArgs(append([]string{command}, args...)...))
	return b.String()
}

// ReadLine reads one terminated line, without the terminator.
func ReadLine(r *bufio.Reader, limits Limits) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if limits.MaxLineBytes > 0 && len(buf)+len(chunk) > limits.MaxLineBytes {
			return "", ErrLineTooLarge
		}
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// WriteLine writes line plus terminator in a single write.
func WriteLine(w io.Writer, line string, limits Limits) error {
	if strings.ContainsAny(line, "\r\n") {
		return ErrLineHasNewlines
	}
	if limits.MaxLineBytes > 0 && len(line)+len(Terminator) > limits.MaxLineBytes {
		return ErrLineTooLarge
	}
	_, err := io.WriteString(w, line+Terminator)
	return err
}

func nextToken(s string) (string, string) {
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimLeft(s[idx:], " \t")
}

func validateID(id string) error {
	if len(id) > MaxIDLen {
		return fmt.Errorf("%w: %q too long", ErrInvalidID, id)
	}
	for i := 0; i < len(id); i++ {
		if !isHex(id[i]) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
