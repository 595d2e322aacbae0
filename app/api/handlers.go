package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/listing-comb/app/pipeline"
	"github.com/lysyi3m/listing-comb/app/tasks"
)

func NewHandler(ruleCache RuleCacheInterface, store StateReader, scheduler SchedulerInterface,
	lastRun *tasks.LastRun, defaultCooldown time.Duration) *Handler {
	return &Handler{
		ruleCache:       ruleCache,
		store:           store,
		scheduler:       scheduler,
		lastRun:         lastRun,
		defaultCooldown: defaultCooldown,
		now:             time.Now,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":       "ok",
		"timestamp":    h.now().In(time.Local).Format(time.RFC3339),
		"loaded_rules": h.ruleCache.GetRuleCount(),
	}

	if _, completedAt, ok := h.lastRun.Get(); ok {
		health["last_run_at"] = completedAt.In(time.Local).Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	summary, _, ok := h.lastRun.Get()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) APIListRules(c *gin.Context) {
	rules := h.ruleCache.GetRules()

	result := make([]map[string]interface{}, 0, len(rules))

	for _, rule := range rules {
		cooldown := pipeline.EffectiveCooldown(rule, h.defaultCooldown)

		ruleInfo := map[string]interface{}{
			"name":                   rule.Name,
			"enabled":                rule.IsEnabled(),
			"keywords":               rule.Keywords,
			"locales":                rule.Locales,
			"cooldown":               cooldown.String(),
			"seen_count":             0,
			"last_notification_time": nil,
			"seconds_until_notify":   0,
		}

		if snap, ok := h.store.Snapshot(rule.Name); ok {
			ruleInfo["seen_count"] = snap.SeenCount
			if snap.LastNotificationTime != nil {
				ruleInfo["last_notification_time"] = snap.LastNotificationTime.Format(time.RFC3339)
			}
			if remaining, waiting := h.store.RemainingCooldown(rule.Name, cooldown); waiting {
				ruleInfo["seconds_until_notify"] = int(remaining.Seconds())
			}
		}

		result = append(result, ruleInfo)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"rules": result,
		"total": len(result),
	})
}

func (h *Handler) APITriggerRun(c *gin.Context) {
	task := h.scheduler.NewPollTask("api")

	if err := h.scheduler.EnqueueTask(task); err != nil {
		slog.Error("Error enqueueing poll task", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue poll task",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Run enqueued",
		"task": gin.H{
			"id":   task.ID,
			"type": task.Type,
		},
	})
}
