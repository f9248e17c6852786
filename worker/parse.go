package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"storystudio/catalog"
	"storystudio/domain"
	"storystudio/mq"
	"storystudio/provider"
)

const storyboardSystemPrompt = `你是专业的分镜编剧。把用户文案改写为分镜剧本：
1. 每个镜头不超过 99 字，保留全部情节与对白，不增删原文。
2. 每个镜头以场景编号开头，如"场1-1 日 内 咖啡厅"，随后一行写出场人物。
3. 用括号标注景别（中景、近景、特写）和动作，不使用 ** 等非剧本符号。
4. 镜头之间用单独一行 "---" 分隔，不要输出任何说明或汇总。`

// parseText splits a script into storyboard shots through the text model and
// appends them to the project.
func (w *Worker) parseText(ctx context.Context, m mq.Message, t domain.TaskMessage) error {
	release, _, err := w.claim(ctx, m, t)
	if err != nil || release == nil {
		return err
	}
	defer release()

	if strings.TrimSpace(t.RawText) == "" {
		return mq.Terminal(w.fail(ctx, t, "剧本内容为空"))
	}
	if w.Text == nil {
		return mq.Terminal(w.fail(ctx, t, "文本生成未启用"))
	}
	if err := w.acquireInflight(ctx); err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	out, err := w.Text.GenerateText(pctx, provider.TextRequest{
		System: storyboardSystemPrompt,
		Prompt: t.RawText,
		Model:  t.Model,
		APIKey: t.APIKey,
	})
	cancel()
	w.releaseInflight()
	if err != nil {
		if provider.IsPermanent(err) {
			return mq.Terminal(w.fail(ctx, t, userMessage(err)))
		}
		w.log.Warn("text provider call failed", "jobId", t.JobID, "jobItemId", t.JobItemID, "attempt", m.Attempt, "err", err)
		return err
	}

	shots := ParseSegments(out)
	if len(shots) == 0 {
		return mq.Terminal(w.fail(ctx, t, domain.CodeStoryboardParseFailed.Message()))
	}
	if ok, err := w.stillRunning(ctx, t.JobItemID); err != nil {
		return err
	} else if !ok {
		w.log.Info("discard parse result of canceled job item", "jobId", t.JobID, "jobItemId", t.JobItemID)
		return nil
	}
	ids, err := w.Shots.AppendShots(ctx, t.ProjectID, t.JobItemID, shots)
	if err != nil {
		if errors.Is(err, domain.NewError(domain.CodeProjectNotFound)) {
			return mq.Terminal(w.fail(ctx, t, domain.CodeProjectNotFound.Message()))
		}
		return err
	}

	price, err := w.Ledger.Price(ctx, string(t.JobType), t.Model, 1)
	if err != nil {
		return mq.Terminal(w.fail(ctx, t, "计费规则不可用"))
	}
	if _, err := w.Ledger.Charge(ctx, t.UserID, price, domain.BizJobItem, bizID(t.JobItemID)); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return mq.Terminal(w.fail(ctx, t, domain.CodeInsufficientBalance.Message()))
		}
		return err
	}
	done, err := w.Registry.CompleteItem(ctx, t.JobItemID, domain.Success(0, price, ""))
	if err != nil {
		return err
	}
	if !done.Applied && done.Item.Status != domain.StatusSucceeded {
		if _, _, err := w.Ledger.Refund(ctx, t.UserID, price, domain.BizJobItem, bizID(t.JobItemID), "任务已终止，退回积分"); err != nil {
			return err
		}
	}
	w.log.Info("script parsed", "jobId", t.JobID, "jobItemId", t.JobItemID, "shots", len(ids))
	return nil
}

// ParseSegments accepts a JSON array (of strings or {"scriptText": ...}
// objects) or plain text with "---" separator lines.
func ParseSegments(raw string) []catalog.ParsedShot {
	raw = strings.TrimSpace(stripFence(raw))
	if strings.HasPrefix(raw, "[") {
		if shots, ok := parseJSONSegments(raw); ok {
			return shots
		}
	}
	var (
		out []catalog.ParsedShot
		cur []string
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(cur, "\n"))
		if text != "" {
			out = append(out, catalog.ParsedShot{ScriptText: text})
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(raw, "\n") {
		if isSeparator(line) {
			flush()
			continue
		}
		cur = append(cur, strings.TrimRight(line, " \t\r"))
	}
	flush()
	return out
}

func parseJSONSegments(raw string) ([]catalog.ParsedShot, bool) {
	var texts []string
	if err := json.Unmarshal([]byte(raw), &texts); err == nil {
		out := make([]catalog.ParsedShot, 0, len(texts))
		for _, s := range texts {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, catalog.ParsedShot{ScriptText: s})
			}
		}
		return out, true
	}
	var objs []catalog.ParsedShot
	if err := json.Unmarshal([]byte(raw), &objs); err == nil {
		out := objs[:0]
		for _, o := range objs {
			if o.ScriptText = strings.TrimSpace(o.ScriptText); o.ScriptText != "" {
				out = append(out, o)
			}
		}
		return out, true
	}
	return nil, false
}

func isSeparator(line string) bool {
	s := strings.TrimSpace(line)
	return len(s) >= 3 && strings.Trim(s, "-") == ""
}

// stripFence removes a surrounding ``` block that chat models like to add.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.Index(t, "\n"); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}
