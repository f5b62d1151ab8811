package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// now is the clock for the time server. Tests replace it.
var now = time.Now

func newEchoServer() *server.MCPServer {
	s := newServer("@toolhost/echo")
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Returns the given text unchanged"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
	), handleEcho)
	return s
}

func handleEcho(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func newTimeServer() *server.MCPServer {
	s := newServer("@toolhost/time")
	s.AddTool(mcp.NewTool("get_current_time",
		mcp.WithDescription("Returns the current date and time"),
		mcp.WithString("timezone",
			mcp.Description("IANA time zone name, e.g. Europe/Berlin (default: server local time)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format"),
			mcp.Enum("iso", "rfc1123", "unix"),
		),
	), handleCurrentTime)
	return s
}

func handleCurrentTime(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t := now()

	if tz := req.GetString("timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unknown time zone %q", tz)), nil
		}
		t = t.In(loc)
	}

	switch format := req.GetString("format", "iso"); format {
	case "iso":
		return mcp.NewToolResultText(t.Format(time.RFC3339)), nil
	case "rfc1123":
		return mcp.NewToolResultText(t.Format(time.RFC1123Z)), nil
	case "unix":
		return mcp.NewToolResultText(strconv.FormatInt(t.Unix(), 10)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q", format)), nil
	}
}

func newCalculatorServer() *server.MCPServer {
	s := newServer("@toolhost/calculator")
	s.AddTool(mcp.NewTool("calculate",
		mcp.WithDescription("Applies an arithmetic operation to one or two operands"),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Enum("add", "subtract", "multiply", "divide", "power", "sqrt", "mod"),
		),
		mcp.WithNumber("a", mcp.Required(), mcp.Description("First operand")),
		mcp.WithNumber("b", mcp.Description("Second operand (not used by sqrt)")),
	), handleCalculate)
	return s
}

func handleCalculate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := req.RequireFloat("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var result float64
	if op == "sqrt" {
		if a < 0 {
			return mcp.NewToolResultError("sqrt of a negative number"), nil
		}
		result = math.Sqrt(a)
	} else {
		b, err := req.RequireFloat("b")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		switch op {
		case "add":
			result = a + b
		case "subtract":
			result = a - b
		case "multiply":
			result = a * b
		case "divide":
			if b == 0 {
				return mcp.NewToolResultError("division by zero"), nil
			}
			result = a / b
		case "power":
			result = math.Pow(a, b)
		case "mod":
			if b == 0 {
				return mcp.NewToolResultError("division by zero"), nil
			}
			result = math.Mod(a, b)
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown operation %q", op)), nil
		}
	}

	return mcp.NewToolResultText(strconv.FormatFloat(result, 'g', -1, 64)), nil
}
