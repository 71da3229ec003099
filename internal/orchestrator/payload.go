package orchestrator

import (
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/publisher"
)

// BuildPayload maps generic post content to what the platform publisher expects.
func BuildPayload(post *domain.Post) publisher.Metadata {
	c := post.Content
	switch post.Platform {
	case domain.PlatformInstagram, domain.PlatformTikTok:
		return publisher.Metadata{"caption": c.Description}
	case domain.PlatformYouTube:
		title := c.Title
		if title == "" {
			title = post.AssetName
		}
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		meta := publisher.Metadata{
			"title":       title,
			"description": c.Description,
			"tags":        tags,
			"publish_at":  nil,
		}
		if post.ScheduledAt != nil {
			meta["publish_at"] = post.ScheduledAt.UTC().Format(time.RFC3339)
		}
		return meta
	default:
		return publisher.Metadata{
			"title":       c.Title,
			"description": c.Description,
			"tags":        c.Tags,
		}
	}
}
