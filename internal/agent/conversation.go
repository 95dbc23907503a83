package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/qbitdata/qbit/internal/sessions"
	"github.com/qbitdata/qbit/pkg/models"
)

// systemPrompt defines the agent's identity. It is always the first turn of
// every transcript and survives Clear.
const systemPrompt = `You are Qbit Data Agent, an expert data analyst specializing in:

1. Data Analysis Excellence:
   - Thorough exploration and understanding of datasets
   - Statistical analysis and pattern recognition
   - Data quality assessment and anomaly detection

2. Prescriptive Analytics:
   - Actionable recommendations based on data insights
   - Strategic suggestions for business improvement
   - Risk assessment and mitigation strategies

3. Communication:
   - Clear, concise explanations of complex data findings
   - Data-driven storytelling
   - Visual and narrative presentation of insights

4. Data Visualization:
   IMPORTANT: When users request charts or visualizations, you MUST use the following JSON format.
   DO NOT use SVG, base64 images, or markdown image syntax.

   Use this exact format:
   <chart type="bar" x="column_name" y="value_column">
   { "type": "chart", "spec": { "chart": "bar", "x": "column_name", "y": "value_column", "data": [ { "column_name": "Value1", "value_column": 123 } ] } }
   </chart>

   Supported chart types: "bar", "line", "area", "pie"
   Always include the complete data array with actual values from your query results.

Your approach:
- Always start by understanding the data structure and quality
- Perform comprehensive analysis before drawing conclusions
- Provide specific, actionable recommendations
- Support insights with relevant data points
- Be proactive in identifying opportunities and risks

You have access to powerful tools for data querying and analysis across multiple data sources (databases, Notion workspaces, web search). Use them effectively to deliver exceptional value.`

// Transcript is a session's in-memory conversation. The first turn is always
// the system prompt.
type Transcript struct {
	mu    sync.Mutex
	turns []models.Turn
}

// NewTranscript builds a transcript holding only the system prompt.
func NewTranscript() *Transcript {
	return &Transcript{turns: []models.Turn{models.SystemTurn(systemPrompt)}}
}

// Append adds turns to the transcript.
func (t *Transcript) Append(turns ...models.Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turns...)
}

// Turns returns a copy of the transcript.
func (t *Transcript) Turns() []models.Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len reports the turn count including the system prompt.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

// Clear resets the transcript to just the system prompt.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = []models.Turn{models.SystemTurn(systemPrompt)}
}

// Hydrate replays persisted history into an empty transcript. It is a no-op
// when the transcript already has turns beyond the system prompt, so calling
// it on every request is safe. Store failures are logged, not returned: a
// fresh conversation beats a failed one.
func (t *Transcript) Hydrate(ctx context.Context, store sessions.Store, sessionID string, window int, logger *slog.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.turns) > 1 {
		return
	}

	msgs, err := store.History(ctx, sessionID, window)
	if err != nil {
		logger.Warn("history hydration failed", "session", sessionID, "error", err)
		return
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			t.turns = append(t.turns, models.UserTurn(m.Content))
		case models.RoleAssistant:
			t.turns = append(t.turns, models.AssistantTurn(m.Content, nil))
		}
	}
	if len(msgs) > 0 {
		logger.Info("hydrated session history", "session", sessionID, "messages", len(msgs))
	}
}
