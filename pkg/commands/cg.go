package commands

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/channels"
)

// cgCommand drives templates hosted on a layer (default 9999):
//
//	CG 1-20 ADD <cg layer> <template> <play 0|1> [data]
//	CG 1-20 PLAY|STOP|NEXT|REMOVE|INFO <cg layer>
//	CG 1-20 UPDATE <cg layer> <data>
//	CG 1-20 INVOKE <cg layer> <method>
//	CG 1-20 CLEAR ALL
func cgCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "CG",
		MinParams:      2,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "CG <channel>[-<layer>] ADD|PLAY|STOP|NEXT|REMOVE|CLEAR|UPDATE|INVOKE|INFO <cg layer> [...]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			host := channels.DefaultCGLayer
			if cmd.Target != nil {
				host = cmd.Target.LayerOr(channels.DefaultCGLayer)
			}

			sub := strings.ToUpper(cmd.Params[0])
			if sub == "CLEAR" {
				ch.CGClear(host)
				return amcp.OK(), nil
			}

			cgLayer, err := strconv.Atoi(cmd.Params[1])
			if err != nil || cgLayer < 0 {
				return amcp.Reply{}, amcp.InvalidParameter("cg layer %q", cmd.Params[1])
			}
			rest := cmd.Params[2:]

			switch sub {
			case "ADD":
				if len(rest) < 2 {
					return amcp.Reply{}, amcp.MissingParameter("CG ADD needs <template> <play on load>")
				}
				data := ""
				if len(rest) > 2 {
					data = rest[2]
				}
				ch.CGAdd(host, cgLayer, rest[0], rest[1] == "1", data)
				return amcp.OK(), nil

			case "PLAY":
				return amcp.OK(), channelError(ch.CGUpdate(host, cgLayer, func(t *channels.Template) { t.Playing = true }))

			case "STOP":
				return amcp.OK(), channelError(ch.CGUpdate(host, cgLayer, func(t *channels.Template) { t.Playing = false }))

			case "NEXT":
				return amcp.OK(), channelError(ch.CGUpdate(host, cgLayer, func(t *channels.Template) { t.Step++ }))

			case "REMOVE":
				return amcp.OK(), channelError(ch.CGRemove(host, cgLayer))

			case "UPDATE":
				if len(rest) < 1 {
					return amcp.Reply{}, amcp.MissingParameter("CG UPDATE needs <data>")
				}
				return amcp.OK(), channelError(ch.CGUpdate(host, cgLayer, func(t *channels.Template) { t.Data = rest[0] }))

			case "INVOKE":
				if len(rest) < 1 {
					return amcp.Reply{}, amcp.MissingParameter("CG INVOKE needs <method>")
				}
				if _, err := ch.CGInfo(host, cgLayer); err != nil {
					return amcp.Reply{}, channelError(err)
				}
				return amcp.Data(rest[0]), nil

			case "INFO":
				tpl, err := ch.CGInfo(host, cgLayer)
				if err != nil {
					return amcp.Reply{}, channelError(err)
				}
				b, err := json.Marshal(tpl)
				if err != nil {
					return amcp.Reply{}, amcp.Failed(err)
				}
				return amcp.Data(string(b)), nil

			default:
				return amcp.Reply{}, amcp.InvalidParameter("unknown CG command %s", cmd.Params[0])
			}
		},
	}
}
