package models

// DocumentKey is the name under which the CRM document is persisted.
const DocumentKey = "crmData"

// Document is the single persisted CRM document. It is always read and written whole.
type Document struct {
	Conversations     map[string]ConversationData `json:"conversations"`
	Templates         []Template                  `json:"templates"`
	BotRules          []BotRule                   `json:"botRules"`
	BotEnabled        bool                        `json:"botEnabled"`
	ScheduledMessages []ScheduledMessage          `json:"scheduledMessages"`
}

// NewDocument returns an empty-shaped document.
func NewDocument() *Document {
	return &Document{
		Conversations:     make(map[string]ConversationData),
		Templates:         []Template{},
		BotRules:          []BotRule{},
		ScheduledMessages: []ScheduledMessage{},
	}
}

// Normalize fills in fields missing from an older or partial document.
func (d *Document) Normalize() {
	if d.Conversations == nil {
		d.Conversations = make(map[string]ConversationData)
	}
	if d.Templates == nil {
		d.Templates = []Template{}
	}
	if d.BotRules == nil {
		d.BotRules = []BotRule{}
	}
	if d.ScheduledMessages == nil {
		d.ScheduledMessages = []ScheduledMessage{}
	}
	for id, c := range d.Conversations {
		if c.Tags == nil {
			c.Tags = []string{}
		}
		if c.Stage == "" {
			c.Stage = DefaultStage
		}
		d.Conversations[id] = c
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{
		Conversations:     make(map[string]ConversationData, len(d.Conversations)),
		Templates:         append([]Template{}, d.Templates...),
		BotRules:          append([]BotRule{}, d.BotRules...),
		BotEnabled:        d.BotEnabled,
		ScheduledMessages: append([]ScheduledMessage{}, d.ScheduledMessages...),
	}
	for id, c := range d.Conversations {
		c.Tags = append([]string{}, c.Tags...)
		out.Conversations[id] = c
	}
	return out
}

// FindScheduled returns the index of the scheduled message with the given id, or -1.
func (d *Document) FindScheduled(id string) int {
	for i := range d.ScheduledMessages {
		if d.ScheduledMessages[i].ID == id {
			return i
		}
	}
	return -1
}
