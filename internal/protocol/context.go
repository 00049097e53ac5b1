package protocol

import "github.com/suPer8Hu/healthchat/internal/models"

// Context is the complete model input for one turn.
type Context struct {
	SystemPrompt string
	Messages     []models.Message
}

// BuildContext assembles the system prompt and the conversation history.
// insights must already exclude those sourced from session itself; see
// RelevantInsights. The history is used verbatim.
func BuildContext(session *models.Session, profile *models.Profile, insights []models.Insight, questionCount int) Context {
	var history []models.Message
	if session != nil {
		history = session.Messages
	}
	return Context{
		SystemPrompt: BuildSystemPrompt(profile, insights, questionCount),
		Messages:     history,
	}
}

// RelevantInsights drops insights whose source is the current session so a
// session never cites itself.
func RelevantInsights(all []models.Insight, currentSessionID string) []models.Insight {
	out := make([]models.Insight, 0, len(all))
	for _, in := range all {
		if currentSessionID != "" && in.SourceSessionID == currentSessionID {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Assembler builds contexts with an optional history window.
type Assembler struct {
	// Window caps the number of history messages sent to the model.
	// Zero keeps the whole session.
	Window int
}

func (a Assembler) Build(session *models.Session, profile *models.Profile, allInsights []models.Insight) Context {
	var sessionID string
	var questionCount int
	if session != nil {
		sessionID = session.SessionID
		questionCount = session.QuestionCount
	}
	ctx := BuildContext(session, profile, RelevantInsights(allInsights, sessionID), questionCount)
	ctx.Messages = windowHistory(ctx.Messages, a.Window)
	return ctx
}

// windowHistory keeps the newest n messages and then trims leading
// assistant messages so the history still opens with a user turn.
func windowHistory(msgs []models.Message, n int) []models.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	out := msgs[len(msgs)-n:]
	for len(out) > 1 && out[0].Role != models.RoleUser {
		out = out[1:]
	}
	return out
}
