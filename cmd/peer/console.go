package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Wyydra/duocall/internal/adapter/driven/persistence/remote"
	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/service"
	"github.com/pterm/pterm"
)

type command struct {
	name string
	peer domain.UserID
	kind domain.CallKind
}

var errUsage = errors.New("usage")

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "call":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("%w: call <id> [voice|video]", errUsage)
		}
		cmd.peer = domain.UserID(fields[1])
		cmd.kind = domain.CallVoice
		if len(fields) > 2 {
			k, err := domain.ParseCallKind(fields[2])
			if err != nil {
				return command{}, err
			}
			cmd.kind = k
		}
	case "accept", "reject", "end", "mute", "camera", "share", "unshare", "status", "history", "quit", "exit":
		if len(fields) > 1 {
			return command{}, fmt.Errorf("%w: %s takes no arguments", errUsage, cmd.name)
		}
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

type console struct {
	ctx        context.Context
	calls      *service.CallService
	records    *remote.Client
	self       domain.UserID
	autoAccept bool
}

// exec runs one input line and reports whether the console should exit.
func (c *console) exec(line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		pterm.Warning.Println(err)
		return false
	}

	switch cmd.name {
	case "":
	case "call":
		err = c.calls.StartCall(c.ctx, cmd.peer, cmd.kind)
	case "accept":
		err = c.calls.Accept(c.ctx)
	case "reject":
		err = c.calls.Reject(c.ctx)
	case "end":
		err = c.calls.End(c.ctx)
	case "mute":
		var muted bool
		if muted, err = c.calls.ToggleMute(); err == nil {
			pterm.Info.Println("Microphone", onOff(!muted))
		}
	case "camera":
		var off bool
		if off, err = c.calls.ToggleCamera(); err == nil {
			pterm.Info.Println("Camera", onOff(!off))
		}
	case "share":
		if err = c.calls.StartScreenShare(c.ctx); err == nil {
			pterm.Info.Println("Sharing screen")
		}
	case "unshare":
		err = c.calls.StopScreenShare()
	case "status":
		c.status()
	case "history":
		c.history()
	case "quit", "exit":
		return true
	}
	if err != nil {
		pterm.Error.Println(describe(err))
	}
	return false
}

func describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrDeviceAccessDenied):
		return "Camera or microphone unavailable: " + err.Error()
	case errors.Is(err, domain.ErrBusy):
		return "Already in a call"
	case errors.Is(err, domain.ErrNoCall):
		return "No call in progress"
	case errors.Is(err, domain.ErrNoTrack):
		return "No such track in this call"
	default:
		return err.Error()
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (c *console) render(events <-chan domain.CallEvent) {
	for ev := range events {
		switch ev.Type {
		case domain.EventConnection:
			pterm.Debug.Printfln("connection=%s ice=%s", ev.ConnectionState, ev.ICEState)
		case domain.EventPhase:
			c.renderPhase(ev)
		}
	}
}

func (c *console) renderPhase(ev domain.CallEvent) {
	who := peerLabel(ev.PeerName, ev.Peer)
	switch ev.Phase {
	case domain.PhaseOutgoingRinging:
		pterm.Info.Printfln("Calling %s (%s)...", who, ev.Kind)
	case domain.PhaseIncomingRinging:
		pterm.Warning.Printfln("Incoming %s call from %s. Type accept or reject.", ev.Kind, who)
		if c.autoAccept {
			go func() {
				if err := c.calls.Accept(c.ctx); err != nil {
					pterm.Error.Println(describe(err))
				}
			}()
		}
	case domain.PhaseActive:
		pterm.Success.Printfln("In call with %s", who)
	case domain.PhaseEnded:
		reason := ev.Reason
		if reason == "" {
			reason = "ended"
		}
		pterm.Info.Printfln("Call with %s %s", who, reason)
	}
}

func peerLabel(name string, id domain.UserID) string {
	if name == "" || name == id.String() {
		return id.String()
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

func (c *console) status() {
	snap := c.calls.Snapshot()
	conn := c.calls.ConnectionState()
	data := pterm.TableData{
		{"Phase", string(snap.Phase)},
		{"Peer", peerLabel(snap.PeerName, snap.Peer)},
		{"Kind", string(snap.Kind)},
		{"Role", string(snap.Role)},
		{"Duration", c.calls.Duration().Truncate(time.Second).String()},
		{"Muted", fmt.Sprint(snap.Muted)},
		{"Camera off", fmt.Sprint(snap.CameraOff)},
		{"Sharing", fmt.Sprint(snap.Sharing)},
		{"Connection", conn.Connection},
		{"ICE", conn.ICE},
	}
	_ = pterm.DefaultTable.WithData(data).Render()
}

func (c *console) history() {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	recs, err := c.records.List(ctx, c.self, 10)
	if err != nil {
		pterm.Error.Println("History unavailable:", err)
		return
	}
	data := pterm.TableData{{"When", "Direction", "Peer", "Type", "Status", "Duration"}}
	for _, r := range recs {
		dir, peer := "out", r.ReceiverID
		if r.ReceiverID == c.self {
			dir, peer = "in", r.CallerID
		}
		data = append(data, []string{
			r.CreatedAt.Local().Format("02 Jan 15:04"),
			dir,
			peer.String(),
			string(r.Kind),
			string(r.Status),
			(time.Duration(r.DurationSeconds) * time.Second).String(),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
