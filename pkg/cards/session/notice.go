package session

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/pkg/errors"
)

// TemplateNotice is the multi-tab notice card pushed by backend systems. Its
// approval tab carries formInfo/formData and its feedback tab the dislike
// form.
const TemplateNotice = "notice"

const (
	noticeLinkBase  = "https://www.dingtalk.com"
	defaultNickname = "there"
)

// NoticeButton opens URL when clicked.
type NoticeButton struct {
	Text  string
	URL   string
	Color string
}

// Notice is the variable part of a notice card. The approval and metrics
// tabs are the same on every notice.
type Notice struct {
	ConversationID string
	Title          string
	Content        string
	// LastMessage is the conversation preview of the card.
	LastMessage string
	Buttons     []NoticeButton
}

// NoticeNewCourse announces a new lesson of a course the user enrolled in.
// Field names are the wire names of the notice API.
type NoticeNewCourse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Nick           string `json:"nick,omitempty"`
	CourseID       string `json:"new_launched_id"`
	CourseName     string `json:"new_launched_name"`
	LessonID       string `json:"new_launched_sub_id"`
	LessonName     string `json:"new_launceed_sub_name"`
	ChannelID      string `json:"channel_id"`
	ChannelName    string `json:"channel_name"`
}

func (n NoticeNewCourse) Notice() Notice {
	return Notice{
		ConversationID: n.ConversationID,
		Title:          "📚 New lesson available!",
		Content: fmt.Sprintf("Hi %s,<br>the course [「%s」](%s) you enrolled in has a new lesson [「%s」](%s).<br>Come and continue learning!",
			nickOrDefault(n.Nick), n.CourseName, noticeLink("id", n.CourseID), n.LessonName, noticeLink("id", n.LessonID)),
		LastMessage: "New lesson",
		Buttons: []NoticeButton{
			{Text: "👉 Continue learning 👈", URL: noticeLink("new_launched_sub_id", n.LessonID), Color: "blue"},
			{Text: "More courses", URL: noticeLink("channel_id", n.ChannelID), Color: "gray"},
		},
	}
}

// NoticeLiveBeginning reminds the user of a live stream they booked.
type NoticeLiveBeginning struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Nick           string `json:"nick,omitempty"`
	LiveID         string `json:"live_id"`
	LiveName       string `json:"live_name"`
	BeginningTime  string `json:"live_beginning_time"`
}

func (n NoticeLiveBeginning) Notice() Notice {
	return Notice{
		ConversationID: n.ConversationID,
		Title:          "⏰ Your booked live stream is about to start!",
		Content: fmt.Sprintf("Hi %s,<br>the live stream 「%s」 you booked starts <font colorTokenV2=common_green1_color>%s</font>, don't miss it!",
			nickOrDefault(n.Nick), n.LiveName, n.BeginningTime),
		LastMessage: "Live stream reminder",
		Buttons: []NoticeButton{
			{Text: "Watch the live stream 👈", URL: noticeLink("live_id", n.LiveID), Color: "blue"},
			{Text: "More courses", URL: noticeLinkBase, Color: "gray"},
		},
	}
}

func nickOrDefault(nick string) string {
	if nick == "" {
		return defaultNickname
	}
	return nick
}

func noticeLink(key, value string) string {
	return noticeLinkBase + "?" + url.Values{key: {value}}.Encode()
}

// noticeCommonData is shared by every notice: the approval tab and the
// metrics tab.
func noticeCommonData() cards.Data {
	return cards.Data{
		"formInfo": cards.MustValue(map[string]any{
			"title":           "Approval",
			"tag":             "Leave",
			"nianjia_days1":   5,
			"tiaoxiu_days2":   2,
			"submitBtnText":   "Submit",
			"submitBtnStatus": "normal",
		}),
		"metricsTitle": cards.String("Yesterday's operations report"),
		"metrics": cards.MustValue([]any{
			map[string]any{"text": "Cards sent", "count": 10086, "unit": "times"},
			map[string]any{"text": "Peak send rate", "count": 300, "unit": "per second"},
			map[string]any{"text": "Live streams", "count": 2, "unit": "times"},
			map[string]any{"text": "Live stream peak viewers", "count": 1024, "unit": "viewers"},
		}),
	}
}

func (n Notice) data() cards.Data {
	d := noticeCommonData()
	d["config"] = cards.Map(map[string]cards.Value{"autoLayout": cards.Bool(true)})
	d["title"] = cards.String(n.Title)
	d["content"] = cards.String(n.Content)
	if n.LastMessage != "" {
		d["lastMessage"] = cards.String(n.LastMessage)
	}
	btns := make([]cards.Value, 0, len(n.Buttons))
	for _, b := range n.Buttons {
		btns = append(btns, cards.MustValue(map[string]any{
			"text":  b.Text,
			"color": b.Color,
			"action": map[string]any{
				"type":   "openLink",
				"params": map[string]any{"url": b.URL},
			},
		}))
	}
	d["btns"] = cards.List(btns...)
	return d
}

// SendNotice pushes a notice card into the conversation.
func (e *Engine) SendNotice(ctx context.Context, n Notice) (string, error) {
	if n.ConversationID == "" {
		return "", errors.New("notice without conversation id")
	}
	return e.createCard(ctx, CreateRequest{
		TemplateID:     TemplateNotice,
		ConversationID: n.ConversationID,
		Public:         n.data(),
	}, nil)
}
