package executor

// Selectors are the CSS selectors and button labels the executors rely
// on. LinkedIn renders labels in the member's language, so label lists
// carry both English and Portuguese. Empty fields of a configured value
// fall back to DefaultSelectors.
type Selectors struct {
	FeedURL   string `yaml:"feed_url"`
	SearchURL string `yaml:"search_url"`
	// ConnectionsURL lists the member's accepted connections.
	ConnectionsURL string `yaml:"connections_url"`

	Post          string `yaml:"post"`
	LikeButton    string `yaml:"like_button"`
	CommentToggle string `yaml:"comment_toggle"`
	Composer      string `yaml:"composer"`
	CommentSubmit string `yaml:"comment_submit"`
	CommentItem   string `yaml:"comment_item"`

	SearchResult  string   `yaml:"search_result"`
	ResultLink    string   `yaml:"result_link"`
	ResultName    string   `yaml:"result_name"`
	ConnectButton string   `yaml:"connect_button"`
	Button        string   `yaml:"button"`
	AddNote       []string `yaml:"add_note"`
	NoteTextarea  string   `yaml:"note_textarea"`
	Send          []string `yaml:"send"`
	Dismiss       []string `yaml:"dismiss"`

	ProfileShell    string `yaml:"profile_shell"`
	ConnectionCard  string `yaml:"connection_card"`
	CardLink        string `yaml:"card_link"`
	MessageButton   string `yaml:"message_button"`
	MessageComposer string `yaml:"message_composer"`
	MessageSend     string `yaml:"message_send"`
}

// DefaultSelectors matches the LinkedIn web UI.
func DefaultSelectors() Selectors {
	return Selectors{
		FeedURL:        "https://www.linkedin.com/feed/",
		SearchURL:      "https://www.linkedin.com/search/results/people/?keywords=",
		ConnectionsURL: "https://www.linkedin.com/mynetwork/invite-connect/connections/",

		Post:          `div.feed-shared-update-v2[data-urn]`,
		LikeButton:    `button.react-button__trigger`,
		CommentToggle: `button[aria-label*="Comentar"], button[aria-label*="comment"]`,
		Composer:      `div[contenteditable="true"]`,
		CommentSubmit: `button.comments-comment-box__submit-button`,
		CommentItem:   `article.comments-comment-item, .comments-comment-entity`,

		SearchResult:  `[data-view-name="search-entity-result"]`,
		ResultLink:    `a[href*="/in/"]`,
		ResultName:    `span[aria-hidden="true"]`,
		ConnectButton: `button[aria-label^="Invite"], button[aria-label^="Convidar"]`,
		Button:        `button`,
		AddNote:       []string{"Add a note", "Adicionar nota"},
		NoteTextarea:  `textarea[name="message"]`,
		Send:          []string{"Send invitation", "Send now", "Enviar convite", "Enviar agora"},
		Dismiss:       []string{"Dismiss", "Fechar"},

		ProfileShell:    `h1.text-heading-xlarge`,
		ConnectionCard:  `li.mn-connection-card`,
		CardLink:        `a.mn-connection-card__link, a[href*="/in/"]`,
		MessageButton:   `button[aria-label^="Message"], button[aria-label^="Enviar mensagem"]`,
		MessageComposer: `div.msg-form__contenteditable[contenteditable="true"]`,
		MessageSend:     `button.msg-form__send-button`,
	}
}

// Merge fills empty fields of s from def.
func (s Selectors) Merge(def Selectors) Selectors {
	str := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	list := func(v *[]string, d []string) {
		if len(*v) == 0 {
			*v = d
		}
	}
	str(&s.FeedURL, def.FeedURL)
	str(&s.SearchURL, def.SearchURL)
	str(&s.ConnectionsURL, def.ConnectionsURL)
	str(&s.Post, def.Post)
	str(&s.LikeButton, def.LikeButton)
	str(&s.CommentToggle, def.CommentToggle)
	str(&s.Composer, def.Composer)
	str(&s.CommentSubmit, def.CommentSubmit)
	str(&s.CommentItem, def.CommentItem)
	str(&s.SearchResult, def.SearchResult)
	str(&s.ResultLink, def.ResultLink)
	str(&s.ResultName, def.ResultName)
	str(&s.ConnectButton, def.ConnectButton)
	str(&s.Button, def.Button)
	list(&s.AddNote, def.AddNote)
	str(&s.NoteTextarea, def.NoteTextarea)
	list(&s.Send, def.Send)
	list(&s.Dismiss, def.Dismiss)
	str(&s.ProfileShell, def.ProfileShell)
	str(&s.ConnectionCard, def.ConnectionCard)
	str(&s.CardLink, def.CardLink)
	str(&s.MessageButton, def.MessageButton)
	str(&s.MessageComposer, def.MessageComposer)
	str(&s.MessageSend, def.MessageSend)
	return s
}
