package queue

import (
	"strings"

	"github.com/franzego/notifyrelay/internal/config"
)

// Router maps a notification channel tag to its destination queue.
type Router struct {
	emailQueue   string
	pushQueue    string
	defaultQueue string
}

func NewRouter(cfg config.RabbitMQConfig) Router {
	return Router{
		emailQueue:   cfg.EmailQueue,
		pushQueue:    cfg.PushQueue,
		defaultQueue: cfg.DefaultQueue,
	}
}

// QueueFor matches the tag case-insensitively; unknown tags go to the default queue.
func (r Router) QueueFor(channel string) string {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "email":
		return r.emailQueue
	case "push":
		return r.pushQueue
	default:
		return r.defaultQueue
	}
}

func (r Router) Queues() []string {
	return []string{r.emailQueue, r.pushQueue, r.defaultQueue}
}
