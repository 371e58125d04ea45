// Package tools builds the MCP protocol handler of one session: an mcp-go server whose tools
// query the Withings API with the bridge token the session was opened with.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/akutishevsky/withings-mcp/client"
)

// ServerName is reported in the MCP initialize response
const ServerName = "withings-mcp"

// dateLayout is the calendar date format accepted by every date argument
const dateLayout = "2006-01-02"

// Caller performs an authenticated Withings API call. *client.Client implements it.
type Caller interface {
	Call(ctx context.Context, bridgeToken, path string, params url.Values) (json.RawMessage, error)
}

// measureTypes maps friendly names to Withings measure type codes
var measureTypes = map[string]int{
	"weight":              1,
	"height":              4,
	"fat_free_mass":       5,
	"fat_ratio":           6,
	"fat_mass":            8,
	"diastolic_bp":        9,
	"systolic_bp":         10,
	"heart_pulse":         11,
	"temperature":         12,
	"spo2":                54,
	"body_temperature":    71,
	"skin_temperature":    73,
	"muscle_mass":         76,
	"hydration":           77,
	"bone_mass":           88,
	"pulse_wave_velocity": 91,
}

// NewServer returns the protocol handler for a session bound to bridgeToken.
func NewServer(caller Caller, bridgeToken, version string, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{caller: caller, bridgeToken: bridgeToken, logger: logger}

	mcpServer := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h.register(mcpServer)
	return mcpServer
}

type handlers struct {
	caller      Caller
	bridgeToken string
	logger      *slog.Logger
}

func (h *handlers) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("get_measurements",
		mcp.WithDescription("Get body measurements (weight, fat, blood pressure, heart pulse, SpO2, ...) recorded between two dates"),
		mcp.WithString("start_date", mcp.Required(), mcp.Description("First day, YYYY-MM-DD")),
		mcp.WithString("end_date", mcp.Required(), mcp.Description("Last day, YYYY-MM-DD")),
		mcp.WithString("types", mcp.Description("Comma separated measure types, e.g. weight,fat_ratio. All types when omitted")),
	), h.getMeasurements)

	s.AddTool(mcp.NewTool("get_activity",
		mcp.WithDescription("Get daily activity summaries (steps, distance, calories, active time) between two dates"),
		mcp.WithString("start_date", mcp.Required(), mcp.Description("First day, YYYY-MM-DD")),
		mcp.WithString("end_date", mcp.Required(), mcp.Description("Last day, YYYY-MM-DD")),
	), h.dailyRange("/v2/measure", "getactivity"))

	s.AddTool(mcp.NewTool("get_sleep_summary",
		mcp.WithDescription("Get nightly sleep summaries (duration, phases, sleep score) between two dates"),
		mcp.WithString("start_date", mcp.Required(), mcp.Description("First day, YYYY-MM-DD")),
		mcp.WithString("end_date", mcp.Required(), mcp.Description("Last day, YYYY-MM-DD")),
	), h.dailyRange("/v2/sleep", "getsummary"))

	s.AddTool(mcp.NewTool("get_workouts",
		mcp.WithDescription("Get recorded workouts between two dates"),
		mcp.WithString("start_date", mcp.Required(), mcp.Description("First day, YYYY-MM-DD")),
		mcp.WithString("end_date", mcp.Required(), mcp.Description("Last day, YYYY-MM-DD")),
	), h.dailyRange("/v2/measure", "getworkouts"))

	s.AddTool(mcp.NewTool("get_heart_recordings",
		mcp.WithDescription("List ECG and heart rate recordings between two dates"),
		mcp.WithString("start_date", mcp.Required(), mcp.Description("First day, YYYY-MM-DD")),
		mcp.WithString("end_date", mcp.Required(), mcp.Description("Last day, YYYY-MM-DD")),
	), h.getHeartRecordings)

	s.AddTool(mcp.NewTool("get_devices",
		mcp.WithDescription("List the Withings devices linked to the account"),
	), h.getDevices)
}

func (h *handlers) getMeasurements(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, end, err := dateRange(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	params := url.Values{
		"action":    {"getmeas"},
		"category":  {"1"},
		"startdate": {strconv.FormatInt(start.Unix(), 10)},
		"enddate":   {strconv.FormatInt(end.Unix(), 10)},
	}
	if types, _ := request.GetArguments()["types"].(string); types != "" {
		codes, err := parseMeasureTypes(types)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		params.Set("meastypes", codes)
	}

	return h.call(ctx, "/measure", params)
}

// dailyRange handles the endpoints that take an inclusive YYYY-MM-DD range
func (h *handlers) dailyRange(path, action string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start, end, err := dateRange(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return h.call(ctx, path, url.Values{
			"action":       {action},
			"startdateymd": {start.Format(dateLayout)},
			"enddateymd":   {end.Format(dateLayout)},
		})
	}
}

func (h *handlers) getHeartRecordings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, end, err := dateRange(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return h.call(ctx, "/v2/heart", url.Values{
		"action":    {"list"},
		"startdate": {strconv.FormatInt(start.Unix(), 10)},
		"enddate":   {strconv.FormatInt(end.Unix(), 10)},
	})
}

func (h *handlers) getDevices(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.call(ctx, "/v2/user", url.Values{"action": {"getdevice"}})
}

// call runs one API request and renders its body as the tool result.
// Failures become tool errors so the model sees them; they are never protocol errors.
func (h *handlers) call(ctx context.Context, path string, params url.Values) (*mcp.CallToolResult, error) {
	body, err := h.caller.Call(ctx, h.bridgeToken, path, params)
	if err != nil {
		h.logger.Warn("Withings API call failed",
			"path", path,
			"action", params.Get("action"),
			"error", err)

		var apiErr *client.APIError
		switch {
		case errors.Is(err, client.ErrReauthenticationRequired):
			return mcp.NewToolResultError("Withings authorization has expired or was revoked. Reconnect this server to authorize again."), nil
		case errors.As(err, &apiErr):
			return mcp.NewToolResultError(fmt.Sprintf("Withings API returned status %d", apiErr.Status)), nil
		default:
			return mcp.NewToolResultError("Withings API request failed"), nil
		}
	}
	return mcp.NewToolResultText(string(body)), nil
}

// dateRange parses start_date and end_date. end_date covers the whole day.
func dateRange(request mcp.CallToolRequest) (time.Time, time.Time, error) {
	startRaw, err := request.RequireString("start_date")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endRaw, err := request.RequireString("end_date")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	start, err := time.Parse(dateLayout, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date must not be before start_date")
	}
	return start, end.Add(24*time.Hour - time.Second), nil
}

// parseMeasureTypes converts a comma separated list of names or numeric codes
func parseMeasureTypes(raw string) (string, error) {
	var codes []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if code, ok := measureTypes[name]; ok {
			codes = append(codes, strconv.Itoa(code))
			continue
		}
		if _, err := strconv.Atoi(name); err == nil {
			codes = append(codes, name)
			continue
		}
		return "", fmt.Errorf("unknown measure type %q", name)
	}
	return strings.Join(codes, ","), nil
}
