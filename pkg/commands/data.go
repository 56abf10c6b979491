package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/datastore"
)

func dataError(err error) error {
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return &amcp.CommandError{Code: amcp.StatusNotFound, Err: err}
	case errors.Is(err, datastore.ErrInvalidName):
		return &amcp.CommandError{Code: amcp.StatusInvalidParameter, Err: err}
	default:
		return amcp.Failed(err)
	}
}

// dataCommand stores named datasets for templates:
//
//	DATA STORE <name> <data>
//	DATA RETRIEVE <name>
//	DATA LIST [folder]
//	DATA REMOVE <name>
func dataCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "DATA",
		MinParams: 1,
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "DATA STORE <name> <data> | RETRIEVE <name> | LIST [folder] | REMOVE <name>",
		Action: func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			if opts.Data == nil {
				return amcp.Reply{}, unavailable("data store")
			}

			sub := strings.ToUpper(cmd.Params[0])
			args := cmd.Params[1:]
			switch sub {
			case "STORE":
				if len(args) < 2 {
					return amcp.Reply{}, amcp.MissingParameter("DATA STORE needs <name> <data>")
				}
				if err := opts.Data.Store(ctx, args[0], args[1]); err != nil {
					return amcp.Reply{}, dataError(err)
				}
				return amcp.OK(), nil

			case "RETRIEVE":
				if len(args) < 1 {
					return amcp.Reply{}, amcp.MissingParameter("DATA RETRIEVE needs <name>")
				}
				value, err := opts.Data.Retrieve(ctx, args[0])
				if err != nil {
					return amcp.Reply{}, dataError(err)
				}
				return amcp.Data(value), nil

			case "LIST":
				entries, err := opts.Data.List(ctx, cmd.Param(1))
				if err != nil {
					return amcp.Reply{}, dataError(err)
				}
				lines := make([]string, 0, len(entries))
				for _, e := range entries {
					lines = append(lines, strings.ToUpper(e.Name))
				}
				return amcp.Lines(lines...), nil

			case "REMOVE":
				if len(args) < 1 {
					return amcp.Reply{}, amcp.MissingParameter("DATA REMOVE needs <name>")
				}
				if err := opts.Data.Remove(ctx, args[0]); err != nil {
					return amcp.Reply{}, dataError(err)
				}
				return amcp.OK(), nil

			default:
				return amcp.Reply{}, amcp.InvalidParameter("unknown DATA command %s", cmd.Params[0])
			}
		},
	}
}
