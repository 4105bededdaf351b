package apiware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keephost/keephost/internal/domain"
	"github.com/keephost/keephost/internal/notify"
	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/scribe"
	"github.com/keephost/keephost/internal/store"
	"github.com/keephost/keephost/internal/tokensvc"
)

// actions implements the `@` prefix: grant, scribe, mail, text, twilio
// (spec.md §4.7). Every action is POST-only except twilio, which Twilio's
// webhook delivery may call with any method it likes.
func actions(c *pipeline.Context, cfg Config, name string, opts []string) error {
	if name != "twilio" && !requireMethod(c, http.MethodPost) {
		return pipeline.MethodNotAllowed("@" + name + " requires POST")
	}

	switch name {
	case "grant":
		return actionGrant(c, cfg, opts)
	case "scribe":
		return actionScribe(c, opts)
	case "mail":
		return actionMail(c, cfg)
	case "text":
		return actionText(c, cfg)
	case "twilio":
		return actionTwilio(c, cfg, opts)
	default:
		return pipeline.NotFound("unknown action " + name)
	}
}

// actionGrant mints a login short-code for each listed user and dispatches
// it by SMS (default) or email ("mail" opt), reporting per-user ok/fail
// (spec.md §4.7 "@grant").
func actionGrant(c *pipeline.Context, cfg Config, opts []string) error {
	if !c.Authorize("grant") {
		return pipeline.Forbidden("grant or admin required")
	}

	res, err := c.ParseBody(cfg.BodyLimits)
	if err != nil {
		return pipeline.AsError(err)
	}
	raw, ok := res.Value.([]any)
	if !ok {
		return pipeline.BadRequest("body must be a JSON array of usernames")
	}

	recipe, ok := cfg.Store.Lookup("users")
	if !ok {
		return pipeline.Internal("no users recipe configured", nil)
	}

	expMin := cfg.CodeExpMin
	if expMin <= 0 || expMin > maxGrantExpMin {
		expMin = maxGrantExpMin
	}
	byEmail := len(opts) > 0 && opts[0] == "mail"

	report := make(map[string]string, len(raw))
	for _, item := range raw {
		username, _ := item.(string)
		username = domain.NormalizeUsername(username)
		if username == "" {
			continue
		}
		if err := grantOne(c, cfg, recipe, username, expMin, byEmail); err != nil {
			report[username] = "fail"
			continue
		}
		report[username] = "ok"
	}

	c.Payload = report
	return nil
}

func grantOne(c *pipeline.Context, cfg Config, recipe store.Recipe, username string, expMin int, byEmail bool) error {
	user, err := lookupUser(cfg, recipe, username)
	if err != nil {
		return err
	}

	code, err := tokensvc.GenCode(cfg.CodeSize, cfg.CodeBase, expMin)
	if err != nil {
		return err
	}

	if _, err := cfg.Store.Modify(recipe, []store.ModifyEntry{{
		Ref: username,
		Record: map[string]any{
			"credentials": map[string]any{
				"passcode": map[string]any{"code": code.Code, "iat": code.IAT, "exp": code.Exp},
			},
		},
	}}); err != nil {
		return err
	}

	if byEmail {
		return cfg.Mailer.Send(c.Context(), notify.Message{
			To: []string{user.Email}, From: cfg.From, Subject: "Your login code", Body: code.Code,
		})
	}
	return cfg.SMS.Send(c.Context(), user.Phone, cfg.From, code.Code)
}

// actionScribe gets or sets the process-wide verbosity mask (spec.md §4.7
// "@scribe").
func actionScribe(c *pipeline.Context, opts []string) error {
	if !c.Authorize("server") {
		return pipeline.Forbidden("server or admin required")
	}
	if len(opts) == 0 {
		c.Payload = map[string]any{"verbosity": uint32(scribe.GetVerbosity())}
		return nil
	}
	n, err := strconv.ParseUint(opts[0], 10, 32)
	if err != nil {
		return pipeline.BadRequest("verbosity must be an unsigned integer mask")
	}
	scribe.SetVerbosity(scribe.Verbosity(n))
	c.Payload = map[string]any{"verbosity": n}
	return nil
}

// contactMessage is the shared @mail/@text request body shape.
type contactMessage struct {
	To          []string `json:"to,omitempty"`
	Cc          []string `json:"cc,omitempty"`
	Bcc         []string `json:"bcc,omitempty"`
	From        string   `json:"from,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body"`
}

func decodeContactMessage(value any) (contactMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return contactMessage{}, err
	}
	var msg contactMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return contactMessage{}, err
	}
	return msg, nil
}

// actionMail requires the "contact" permission, resolves usernames in
// to/cc/bcc/from against the users collection, and dispatches through the
// configured Mailer (spec.md §4.7 "@mail/@text").
func actionMail(c *pipeline.Context, cfg Config) error {
	if !c.Authorize("contact") {
		return pipeline.Forbidden("contact permission required")
	}
	res, err := c.ParseBody(cfg.BodyLimits)
	if err != nil {
		return pipeline.AsError(err)
	}
	msg, err := decodeContactMessage(res.Value)
	if err != nil {
		return pipeline.BadRequest("malformed mail request: " + err.Error())
	}

	recipe, _ := cfg.Store.Lookup("users")
	to := resolveContacts(cfg, recipe, msg.To, "email")
	cc := resolveContacts(cfg, recipe, msg.Cc, "email")
	bcc := resolveContacts(cfg, recipe, msg.Bcc, "email")
	from := cfg.From
	if resolved := resolveContacts(cfg, recipe, []string{msg.From}, "email"); len(resolved) == 1 {
		from = resolved[0]
	}

	if err := cfg.Mailer.Send(c.Context(), notify.Message{
		To: to, Cc: cc, Bcc: bcc, From: from, Subject: msg.Subject, Body: msg.Body,
	}); err != nil {
		return pipeline.Internal("failed to send mail", err)
	}
	c.Payload = map[string]any{"sent": true, "to": to, "cc": cc, "bcc": bcc}
	return nil
}

// actionText is actionMail's SMS counterpart: one message, one resolved
// recipient list of phone numbers.
func actionText(c *pipeline.Context, cfg Config) error {
	if !c.Authorize("contact") {
		return pipeline.Forbidden("contact permission required")
	}
	res, err := c.ParseBody(cfg.BodyLimits)
	if err != nil {
		return pipeline.AsError(err)
	}
	msg, err := decodeContactMessage(res.Value)
	if err != nil {
		return pipeline.BadRequest("malformed text request: " + err.Error())
	}

	recipe, _ := cfg.Store.Lookup("users")
	to := resolveContacts(cfg, recipe, msg.To, "phone")
	from := cfg.From
	if resolved := resolveContacts(cfg, recipe, []string{msg.From}, "phone"); len(resolved) == 1 {
		from = resolved[0]
	}

	sent := make(map[string]string, len(to))
	for _, number := range to {
		if err := cfg.SMS.Send(c.Context(), number, from, msg.Body); err != nil {
			sent[number] = "fail"
			continue
		}
		sent[number] = "ok"
	}
	c.Payload = map[string]any{"sent": sent}
	return nil
}

const twilioNoReplyXML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// actionTwilio is the inbound delivery-status webhook: a canned "no
// replies" response unless opts[0]=="status", in which case an
// undelivered status triggers a warning log and a callback SMS (spec.md
// §4.7 "@twilio").
func actionTwilio(c *pipeline.Context, cfg Config, opts []string) error {
	if len(opts) == 0 || opts[0] != "status" {
		c.Typed = &pipeline.TypedResponse{ContentType: "application/xml", Body: []byte(twilioNoReplyXML)}
		return nil
	}

	res, err := c.ParseBody(cfg.BodyLimits)
	if err == nil {
		if fields, ok := res.Value.(map[string]any); ok {
			if status, _ := fields["MessageStatus"].(string); status == "undelivered" {
				scribe.Logger().Warn("apiware: twilio reported undelivered message", "status", status)
				if from, _ := fields["From"].(string); from != "" && cfg.From != "" {
					_ = cfg.SMS.Send(c.Context(), from, cfg.From, "We could not deliver your last message.")
				}
			}
		}
	}

	c.Typed = &pipeline.TypedResponse{ContentType: "application/xml", Body: []byte(twilioNoReplyXML)}
	return nil
}
