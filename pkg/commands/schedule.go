package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/cron"
)

func scheduleError(err error) error {
	switch {
	case errors.Is(err, cron.ErrJobNotFound):
		return &amcp.CommandError{Code: amcp.StatusNotFound, Err: err}
	case errors.Is(err, cron.ErrInvalidToken),
		errors.Is(err, cron.ErrInvalidSchedule),
		errors.Is(err, cron.ErrEmptyLine),
		errors.Is(err, cron.ErrAlreadyElapsed):
		return &amcp.CommandError{Code: amcp.StatusInvalidParameter, Err: err}
	default:
		return amcp.Failed(err)
	}
}

func jobLine(j *cron.Job) string {
	next := "-"
	if j.State.NextRunAtMs != nil {
		next = time.UnixMilli(*j.State.NextRunAtMs).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s %s %s %s", j.Token, next, strconv.Quote(j.Spec), j.Line)
}

// scheduleCommand manages command lines fired later on behalf of the
// session that scheduled them:
//
//	SCHEDULE SET <token> "<spec>" <command line...>
//	SCHEDULE REMOVE <token>
//	SCHEDULE CLEAR
//	SCHEDULE LIST
//	SCHEDULE INFO <token>
func scheduleCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "SCHEDULE",
		MinParams: 1,
		Directive: amcp.DirectiveAddToQueue,
		Usage:     `SCHEDULE SET <token> "<spec>" <command...> | REMOVE <token> | CLEAR | LIST | INFO <token>`,
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			if opts.Schedule == nil {
				return amcp.Reply{}, unavailable("scheduler")
			}

			args := cmd.Params[1:]
			switch strings.ToUpper(cmd.Params[0]) {
			case "SET":
				if len(args) < 3 {
					return amcp.Reply{}, amcp.MissingParameter("SCHEDULE SET needs <token> <spec> <command>")
				}
				line := amcp.JoinTokens(args[2:])
				if _, err := opts.Schedule.Set(args[0], args[1], line, cmd.Session.ID); err != nil {
					return amcp.Reply{}, scheduleError(err)
				}
				return amcp.OK(), nil

			case "REMOVE":
				if len(args) < 1 {
					return amcp.Reply{}, amcp.MissingParameter("SCHEDULE REMOVE needs <token>")
				}
				if err := opts.Schedule.Remove(args[0]); err != nil {
					return amcp.Reply{}, scheduleError(err)
				}
				return amcp.OK(), nil

			case "CLEAR":
				if _, err := opts.Schedule.Clear(); err != nil {
					return amcp.Reply{}, scheduleError(err)
				}
				return amcp.OK(), nil

			case "LIST":
				jobs := opts.Schedule.List()
				lines := make([]string, 0, len(jobs))
				for _, j := range jobs {
					lines = append(lines, jobLine(j))
				}
				return amcp.Lines(lines...), nil

			case "INFO":
				if len(args) < 1 {
					return amcp.Reply{}, amcp.MissingParameter("SCHEDULE INFO needs <token>")
				}
				j, err := opts.Schedule.Get(args[0])
				if err != nil {
					return amcp.Reply{}, scheduleError(err)
				}
				return amcp.Data(jobLine(j)), nil

			default:
				return amcp.Reply{}, amcp.InvalidParameter("unknown SCHEDULE command %s", cmd.Params[0])
			}
		},
	}
}
