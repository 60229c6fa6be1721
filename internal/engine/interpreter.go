package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/organizer/internal/persistence"
)

// Interpreter turns a claimed inbox item into an envelope.
type Interpreter interface {
	Interpret(ctx context.Context, item persistence.InboxItem) (Envelope, error)
}

// TextPayload is the payload of a text item.
type TextPayload struct {
	Text string `json:"text"`
}

// CallbackPayload is the payload of a callback item. Data has the form
// "clarify:<token>:<choice-id>".
type CallbackPayload struct {
	Data string `json:"data"`
}

// CallbackData builds the button data for one choice of a pending question.
func CallbackData(token, choiceID string) string {
	return "clarify:" + token + ":" + choiceID
}

// ParseCallbackData splits button data built by CallbackData.
func ParseCallbackData(data string) (token, choiceID string, ok bool) {
	rest, found := strings.CutPrefix(data, "clarify:")
	if !found {
		return "", "", false
	}
	token, choiceID, ok = strings.Cut(rest, ":")
	return token, choiceID, ok && token != "" && choiceID != ""
}

// InboxInterpreter dispatches on the item kind: command items carry an
// envelope, text items are read as slash commands, callback items answer a
// pending question.
type InboxInterpreter struct {
	validator *EnvelopeValidator
	slash     SlashInterpreter
}

func NewInboxInterpreter(v *EnvelopeValidator) *InboxInterpreter {
	return &InboxInterpreter{validator: v}
}

func (ii *InboxInterpreter) Interpret(_ context.Context, item persistence.InboxItem) (Envelope, error) {
	var env Envelope
	switch item.Kind {
	case persistence.KindCommand:
		parsed, err := ii.validator.Parse(item.Payload)
		if err != nil {
			return Envelope{}, err
		}
		env = parsed
	case persistence.KindText:
		var p TextPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return Envelope{}, &ValidationError{Message: "text payload: " + err.Error()}
		}
		env = Envelope{Command: ii.slash.Parse(p.Text)}
	case persistence.KindCallback:
		var p CallbackPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return Envelope{}, &ValidationError{Message: "callback payload: " + err.Error()}
		}
		token, choice, ok := ParseCallbackData(p.Data)
		if !ok {
			return Envelope{}, &ValidationError{Message: fmt.Sprintf("callback data %q is not a clarification answer", p.Data)}
		}
		env = Envelope{Reply: &Reply{Token: token, ChoiceID: choice}}
	default:
		return Envelope{}, &ValidationError{Message: fmt.Sprintf("unknown inbox item kind %q", item.Kind)}
	}
	if env.Source == "" {
		env.Source = item.Source
	}
	if env.SourceMsgID == "" {
		env.SourceMsgID = item.SourceMsgID()
	}
	return env, nil
}

var (
	dateToken  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	clockToken = regexp.MustCompile(`^\d{1,2}:\d{2}$`)
	intToken   = regexp.MustCompile(`^#?\d+$`)
)

// SlashInterpreter reads chat text. Text without a leading slash creates a task.
type SlashInterpreter struct{}

// Parse maps one chat message to a command. Unknown slash commands map to an
// intent the registry does not know, so the user gets an explicit failure.
func (SlashInterpreter) Parse(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{Intent: "task.create", Entities: Entities{"title": text}}
	}
	name, rest, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(strings.ToLower(name), "@")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case "task":
		body, when := splitWhen(args)
		ents := Entities{"title": strings.Join(body, " ")}
		mergeWhen(ents, when)
		return Command{Intent: "task.create", Entities: ents}
	case "plan":
		body, when := splitWhen(args)
		ents := refEntities(body)
		mergeWhen(ents, when)
		return Command{Intent: "task.plan", Entities: ents}
	case "done":
		return Command{Intent: "task.complete", Entities: refEntities(args)}
	case "cancel":
		return Command{Intent: "task.cancel", Entities: refEntities(args)}
	case "tasks":
		ents := Entities{}
		if rest != "" {
			ents["status"] = rest
		}
		return Command{Intent: "task.list", Entities: ents}
	case "sub":
		if len(args) < 2 {
			return Command{Intent: "subtask.create", Entities: refEntities(args)}
		}
		ents := refEntities(args[:1])
		ents["subtask_title"] = strings.Join(args[1:], " ")
		return Command{Intent: "subtask.create", Entities: ents}
	case "subdone":
		ents := Entities{}
		if len(args) > 0 {
			ents["subtask_id"] = strings.TrimPrefix(args[0], "#")
		}
		return Command{Intent: "subtask.complete", Entities: ents}
	case "block":
		// /block <task> <date> <HH:MM> [minutes]
		ents := Entities{}
		if len(args) > 0 {
			ents = refEntities(args[:1])
		}
		if len(args) >= 3 && dateToken.MatchString(args[1]) && clockToken.MatchString(args[2]) {
			ents["start"] = args[1] + " " + zeroPad(args[2])
			if len(args) >= 4 {
				ents["duration_min"] = args[3]
			}
		}
		return Command{Intent: "timeblock.create", Entities: ents}
	case "goal":
		if len(args) > 0 && args[0] == "list" {
			ents := Entities{}
			if len(args) > 1 {
				ents["filter"] = args[1]
			}
			return Command{Intent: "goal.list", Entities: ents}
		}
		// /goal <YYYY-MM-DD> <title>
		ents := Entities{}
		if len(args) > 0 && dateToken.MatchString(args[0]) {
			ents["planned_end_date"] = args[0]
			args = args[1:]
		}
		if len(args) > 0 {
			ents["title"] = strings.Join(args, " ")
		}
		return Command{Intent: "goal.create", Entities: ents}
	case "cycle":
		switch {
		case len(args) == 0:
			return Command{Intent: "cycle.get_active", Entities: Entities{}}
		case args[0] == "close":
			ents := Entities{}
			if len(args) > 1 {
				ents["status"] = args[1]
			}
			return Command{Intent: "cycle.close", Entities: ents}
		}
		ents := Entities{"type": args[0]}
		if len(args) > 1 {
			ents["period_key"] = args[1]
		}
		return Command{Intent: "cycle.create", Entities: ents}
	case "reg":
		// /reg <day> <title>
		if len(args) == 0 {
			return Command{Intent: "reg.status", Entities: Entities{}}
		}
		ents := Entities{}
		if intToken.MatchString(args[0]) {
			ents["day_of_month"] = args[0]
			args = args[1:]
		}
		if len(args) > 0 {
			ents["title"] = strings.Join(args, " ")
		}
		return Command{Intent: "reg.create", Entities: ents}
	case "regdone", "regskip":
		ents := Entities{}
		if len(args) > 0 {
			ents["run_id"] = strings.TrimPrefix(args[0], "#")
		}
		if name == "regdone" {
			return Command{Intent: "reg.complete", Entities: ents}
		}
		return Command{Intent: "reg.skip", Entities: ents}
	case "ack":
		ents := Entities{}
		if len(args) > 0 {
			ents["key"] = args[0]
		}
		return Command{Intent: "nudge.ack", Entities: ents}
	case "today":
		return Command{Intent: "timeblock.list", Entities: Entities{}}
	case "state":
		return Command{Intent: "state.get", Entities: Entities{}}
	}
	return Command{Intent: "slash." + name, Entities: Entities{"text": rest}}
}

// splitWhen strips a trailing "YYYY-MM-DD [HH:MM]" from args.
func splitWhen(args []string) ([]string, Entities) {
	n := len(args)
	if n >= 2 && dateToken.MatchString(args[n-2]) && clockToken.MatchString(args[n-1]) {
		return args[:n-2], Entities{"date": args[n-2], "time": zeroPad(args[n-1])}
	}
	if n >= 1 && dateToken.MatchString(args[n-1]) {
		return args[:n-1], Entities{"date": args[n-1]}
	}
	return args, nil
}

func mergeWhen(dst, when Entities) {
	for k, v := range when {
		dst[k] = v
	}
}

func refEntities(args []string) Entities {
	if len(args) == 0 {
		return Entities{}
	}
	if len(args) == 1 && intToken.MatchString(args[0]) {
		return Entities{"task_id": strings.TrimPrefix(args[0], "#")}
	}
	return Entities{"task_ref": map[string]any{"text": strings.Join(args, " ")}}
}

func zeroPad(clock string) string {
	if len(clock) == 4 {
		return "0" + clock
	}
	return clock
}
