package console

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies what a console line asks for.
type Kind int

const (
	KindEmpty Kind = iota
	KindUse
	KindResult
	KindList
	KindHelp
	KindQuit
	KindCommand
)

// Input is one parsed console line.
type Input struct {
	Kind    Kind
	ID      byte // Target device for use, result and commands
	HasID   bool // ID was given explicitly
	Command string
	Values  []int32
}

// Parse parses a console line. It has no side effects.
//
//	use <id>
//	result [id]
//	list
//	help
//	quit
//	<command> [id=<n>] [int...]
func Parse(line string) (Input, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Input{Kind: KindEmpty}, nil
	}

	switch strings.ToLower(fields[0]) {
	case "use":
		if len(fields) != 2 {
			return Input{}, fmt.Errorf("usage: use <id>")
		}
		id, err := parseID(fields[1])
		if err != nil {
			return Input{}, err
		}
		return Input{Kind: KindUse, ID: id, HasID: true}, nil

	case "result":
		switch len(fields) {
		case 1:
			return Input{Kind: KindResult}, nil
		case 2:
			id, err := parseID(fields[1])
			if err != nil {
				return Input{}, err
			}
			return Input{Kind: KindResult, ID: id, HasID: true}, nil
		default:
			return Input{}, fmt.Errorf("usage: result [id]")
		}

	case "list", "ls":
		return Input{Kind: KindList}, nil
	case "help", "?":
		return Input{Kind: KindHelp}, nil
	case "quit", "exit":
		return Input{Kind: KindQuit}, nil
	}

	in := Input{Kind: KindCommand, Command: fields[0]}
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "id="); ok {
			if in.HasID {
				return Input{}, fmt.Errorf("id given twice")
			}
			id, err := parseID(v)
			if err != nil {
				return Input{}, err
			}
			in.ID, in.HasID = id, true
			continue
		}

		n, err := strconv.ParseInt(f, 0, 32)
		if err != nil {
			return Input{}, fmt.Errorf("invalid integer %q", f)
		}
		in.Values = append(in.Values, int32(n))
	}
	return in, nil
}

func parseID(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return byte(v), nil
}
