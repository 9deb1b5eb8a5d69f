package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hoshikobot/hoshiko/common/version"
)

// commandPrefix marks a message as a bot command rather than conversation.
const commandPrefix = "!hoshiko"

const helpText = `Hoshiko commands:
!hoshiko help — this message
!hoshiko ping — liveness check
!hoshiko version — build information
!hoshiko persona — show the active persona
!hoshiko persona list — list selectable personas
!hoshiko persona set <name> — switch persona (group rooms)
!hoshiko persona roleplay <character> — free-form roleplay persona
!hoshiko persona reset — return to the default persona
!hoshiko persona lock|unlock — admin: freeze persona changes
!hoshiko stats — your interaction count and the room leaderboard
!hoshiko reset — forget this conversation's history
!hoshiko forget <user id> — admin: erase a user's stored data
!hoshiko world list — stored facts for this room
!hoshiko world set <key> <value> — admin: set a fact
!hoshiko world del <key> — admin: remove a fact
!hoshiko world clear — admin: remove all facts
!hoshiko status — admin: runtime statistics`

// handleCommand dispatches a "!hoshiko ..." message. Replies are sent as
// notices so they do not read as conversation.
func (a *App) handleCommand(ctx context.Context, msg Incoming, body string) {
	args := strings.Fields(strings.TrimPrefix(body, commandPrefix))
	if len(args) == 0 {
		a.reply(msg, helpText)
		return
	}

	var response string
	var err error
	switch args[0] {
	case "help":
		response = helpText
	case "ping":
		response = "pong"
	case "version":
		response = fmt.Sprintf("Hoshiko %s (%s, built %s)",
			version.Version, version.GitCommit, version.BuildTime)
	case "persona":
		response, err = a.cmdPersona(ctx, msg, args[1:])
	case "stats":
		response, err = a.cmdStats(ctx, msg)
	case "reset":
		a.histories.GetOrCreate(conversationKey(msg)).Reset()
		response = "Conversation history cleared."
	case "forget":
		response, err = a.cmdForget(ctx, msg, args[1:])
	case "world":
		response, err = a.cmdWorld(ctx, msg, args[1:])
	case "status":
		response, err = a.cmdStatus(msg)
	default:
		response = fmt.Sprintf("Unknown command %q. Try !hoshiko help.", args[0])
	}

	if err != nil {
		slog.Warn("command failed", "command", args[0], "sender", msg.Sender, "err", err)
		response = "Error: " + err.Error()
	}
	if response != "" {
		a.reply(msg, response)
	}
}

func (a *App) reply(msg Incoming, text string) {
	if err := a.matrix.SendNotice(msg.RoomID, text); err != nil {
		slog.Error("failed to send command reply", "room", msg.RoomID, "err", err)
	}
}

func (a *App) cmdPersona(ctx context.Context, msg Incoming, args []string) (string, error) {
	communityID := msg.RoomID
	if msg.Direct && len(args) > 0 {
		return "Direct conversations always use the default persona.", nil
	}

	if len(args) == 0 {
		return "Active persona: " + a.personas.ActiveName(communityID), nil
	}

	switch args[0] {
	case "list":
		return "Available personas: " + strings.Join(a.personas.Names(), ", "), nil
	case "set":
		if len(args) < 2 {
			return "Usage: !hoshiko persona set <name>", nil
		}
		if err := a.personas.Set(ctx, communityID, args[1]); err != nil {
			return "", err
		}
		return "Persona set to " + a.personas.ActiveName(communityID) + ".", nil
	case "roleplay":
		if len(args) < 2 {
			return "Usage: !hoshiko persona roleplay <character>", nil
		}
		character := strings.Join(args[1:], " ")
		if err := a.personas.SetCustom(ctx, communityID, character); err != nil {
			return "", err
		}
		return "Now roleplaying as " + character + ".", nil
	case "reset":
		if err := a.personas.Reset(ctx, communityID); err != nil {
			return "", err
		}
		return "Persona reset to default.", nil
	case "lock", "unlock":
		if !a.matrix.IsAdmin(msg.Sender) {
			return "Only admins can change the persona lock.", nil
		}
		locked := args[0] == "lock"
		if err := a.personas.SetLock(ctx, communityID, locked); err != nil {
			return "", err
		}
		if locked {
			return "Persona locked.", nil
		}
		return "Persona unlocked.", nil
	default:
		return fmt.Sprintf("Unknown persona subcommand %q.", args[0]), nil
	}
}

func (a *App) cmdStats(ctx context.Context, msg Incoming) (string, error) {
	interactions, err := a.userLogs.Interactions(ctx, msg.Sender)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have chatted with me %d times.", interactions)

	if !msg.Direct {
		board, err := a.store.InteractionLeaderboard(ctx, msg.RoomID, 5)
		if err != nil {
			return "", err
		}
		if len(board) > 0 {
			b.WriteString("\nTop chatters here:")
			for i, entry := range board {
				fmt.Fprintf(&b, "\n%d. %s — %d", i+1, entry.UserID, entry.Count)
			}
		}
	}
	return b.String(), nil
}

func (a *App) cmdForget(ctx context.Context, msg Incoming, args []string) (string, error) {
	if !a.matrix.IsAdmin(msg.Sender) {
		return "Only admins can erase user data.", nil
	}
	if len(args) != 1 {
		return "Usage: !hoshiko forget <user id>", nil
	}
	if err := a.userLogs.DeleteUser(ctx, args[0]); err != nil {
		return "", err
	}
	return "Forgot everything about " + args[0] + ".", nil
}

func (a *App) cmdWorld(ctx context.Context, msg Incoming, args []string) (string, error) {
	if msg.Direct {
		return "World state only exists in group rooms.", nil
	}
	if len(args) == 0 {
		args = []string{"list"}
	}

	switch args[0] {
	case "list":
		facts, err := a.worldFacts.List(ctx, msg.RoomID)
		if err != nil {
			return "", err
		}
		if len(facts) == 0 {
			return "No world facts stored for this room yet.", nil
		}
		var b strings.Builder
		b.WriteString("World facts:")
		for _, f := range facts {
			fmt.Fprintf(&b, "\n%s: %s", f.Key, f.Value)
		}
		return b.String(), nil
	case "set":
		if !a.matrix.IsAdmin(msg.Sender) {
			return "Only admins can set world facts.", nil
		}
		if len(args) < 3 {
			return "Usage: !hoshiko world set <key> <value>", nil
		}
		if err := a.worldFacts.ManualSet(ctx, msg.RoomID, args[1], strings.Join(args[2:], " ")); err != nil {
			return "", err
		}
		return "Fact stored.", nil
	case "del":
		if !a.matrix.IsAdmin(msg.Sender) {
			return "Only admins can remove world facts.", nil
		}
		if len(args) != 2 {
			return "Usage: !hoshiko world del <key>", nil
		}
		deleted, err := a.worldFacts.Delete(ctx, msg.RoomID, args[1])
		if err != nil {
			return "", err
		}
		if !deleted {
			return "No such fact.", nil
		}
		return "Fact removed.", nil
	case "clear":
		if !a.matrix.IsAdmin(msg.Sender) {
			return "Only admins can clear world facts.", nil
		}
		n, err := a.worldFacts.DeleteAll(ctx, msg.RoomID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed %d facts.", n), nil
	default:
		return fmt.Sprintf("Unknown world subcommand %q.", args[0]), nil
	}
}

func (a *App) cmdStatus(msg Incoming) (string, error) {
	if !a.matrix.IsAdmin(msg.Sender) {
		return "Only admins can view runtime status.", nil
	}
	pool := a.store.PoolStats()
	direct, group := a.histories.Len()
	return fmt.Sprintf(
		"pool: %d/%d connections (%d available)\n"+
			"counter queue: %d pending increments\n"+
			"user logs: %d staged\n"+
			"note jobs: %d pending\n"+
			"histories: %d direct, %d group",
		pool.Size, pool.MaxSize, pool.Available,
		a.writer.QueueDepth(),
		a.userLogs.StagedCount(),
		a.notes.PendingCount(),
		direct, group,
	), nil
}
