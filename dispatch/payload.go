package dispatch

import (
	"announce-notifier/content"
	"announce-notifier/pkg/notifier"
	"fmt"
	"strings"
)

const (
	maxBodyRunes  = 120
	maxTitleRunes = 60
)

// digestTitles holds the localized title of a multi-announcement digest, keyed by base language.
var digestTitles = map[string]string{
	"en": "%d announcements have new posts",
	"ja": "%d件のお知らせに新しい投稿があります",
}

func baseLang(lang string) string {
	base, _, _ := strings.Cut(strings.ToLower(lang), "-")
	return base
}

func digestTitle(lang string, n int) string {
	format, ok := digestTitles[baseLang(lang)]
	if !ok {
		format = digestTitles["en"]
	}
	return fmt.Sprintf(format, n)
}

// postPayload builds the notification for an announcement's latest post.
func postPayload(a *notifier.Announce) notifier.Payload {
	post := a.LastPost
	p := notifier.Payload{
		Title: content.Truncate(a.Title, maxTitleRunes),
		Link:  post.Link,
		Data: map[string]string{
			"type":        "post",
			"announce_id": a.ID,
			"post_id":     post.ID,
		},
	}
	if post.Link != "" {
		p.Data["link"] = post.Link
	}

	body := post.Title
	summary, err := content.Summarize(post.Body, maxBodyRunes)
	if err == nil && summary.Text != "" {
		if body != "" {
			body += "\n"
		}
		body += summary.Text
	}
	p.Body = content.Truncate(body, maxBodyRunes)

	switch {
	case post.ImageURL != "":
		p.ImageURL = post.ImageURL
	case summary.Image != "":
		p.ImageURL = summary.Image
	default:
		p.ImageURL = a.Icon
	}
	return p
}

// digestPayload summarizes several announcements with new posts in one notification.
func digestPayload(lang string, announces []*notifier.Announce) notifier.Payload {
	titles := make([]string, len(announces))
	ids := make([]string, len(announces))
	for i, a := range announces {
		titles[i] = a.Title
		ids[i] = a.ID
	}
	return notifier.Payload{
		Title: digestTitle(lang, len(announces)),
		Body:  content.Truncate(strings.Join(titles, ", "), maxBodyRunes),
		Data: map[string]string{
			"type":         "digest",
			"announce_ids": strings.Join(ids, ","),
		},
	}
}
