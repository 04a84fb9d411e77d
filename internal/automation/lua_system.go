//go:build !no_automation

package automation

import (
	"context"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e)
	}))

	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))

	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))

	L.SetGlobal("system", mod)
}

// registerTelegramModule registers the `telegram` global table in a Lua state.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return telegramSend(L, e)
	}))

	L.SetGlobal("telegram", mod)
}

// datetimeFields are the components system.datetime knows.
var datetimeFields = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
	"iso":       func(t time.Time) lua.LValue { return lua.LString(t.Format(time.RFC3339)) },
}

// system.datetime([component]) returns one component of the current time,
// or a table of all of them when called without an argument.
func systemDatetime(L *lua.LState, e *Engine) int {
	now := e.clock()
	if L.GetTop() == 0 {
		tbl := L.CreateTable(0, len(datetimeFields))
		for name, get := range datetimeFields {
			tbl.RawSetString(name, get(now))
		}
		L.Push(tbl)
		return 1
	}
	component := L.CheckString(1)
	get, ok := datetimeFields[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(get(now))
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current
// hour is in [from, to). Ranges may wrap past midnight.
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(e.clock().Hour(), from, to)))
	return 1
}

// clock is the current time in the configured zone.
func (e *Engine) clock() time.Time {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	if e.systemCfg.Location != nil {
		return now().In(e.systemCfg.Location)
	}
	return now()
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted absolute path and returns at most
// 64KB of stdout, or "" on failure.
func systemExec(L *lua.LState, e *Engine) int {
	cmdStr := L.CheckString(1)

	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) {
		e.logger.Warn("exec blocked: not an absolute path", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	if !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked: not in allowlist", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}

	if len(stdout) > 65536 {
		stdout = stdout[:65536]
	}

	L.Push(lua.LString(string(stdout)))
	return 1
}

// telegram.send(msg) posts to every configured chat without waiting.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	cfg := e.telegramCfg
	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot_token or chat_ids not configured")
		return 0
	}

	base := cfg.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	client := resty.New().SetBaseURL(base).SetTimeout(10 * time.Second)
	for _, chatID := range cfg.ChatIDs {
		go func() {
			resp, err := client.R().
				SetPathParam("token", cfg.BotToken).
				SetBody(map[string]string{"chat_id": chatID, "text": msg}).
				Post("/bot{token}/sendMessage")
			if err != nil {
				e.logger.Error("telegram send", "chat_id", chatID, "err", err)
				return
			}
			if resp.StatusCode() != 200 {
				e.logger.Warn("telegram send non-200", "status", resp.StatusCode(), "chat_id", chatID)
			}
		}()
	}
	return 0
}
