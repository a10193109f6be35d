package logger

import (
	"encoding/json"
	"fmt"
	"io"

	gommon "github.com/labstack/gommon/log"
)

// EchoAdapter routes the echo framework's own log output into a module
// logger so the monitoring server logs in the same format as the node.
// Output, prefix, header and level setters are ignored; the module
// logger's configuration decides all of them.
type EchoAdapter struct {
	log Logger
}

// NewEchoAdapter wraps log. A nil log discards everything.
func NewEchoAdapter(log Logger) *EchoAdapter {
	if log == nil {
		log = Discard()
	}
	return &EchoAdapter{log: log}
}

func (a *EchoAdapter) Output() io.Writer { return io.Discard }
func (a *EchoAdapter) SetOutput(io.Writer) {}
func (a *EchoAdapter) Prefix() string { return "" }
func (a *EchoAdapter) SetPrefix(string) {}
func (a *EchoAdapter) Level() gommon.Lvl { return gommon.INFO }
func (a *EchoAdapter) SetLevel(gommon.Lvl) {}
func (a *EchoAdapter) SetHeader(string) {}
func (a *EchoAdapter) Print(i ...any) { a.log.Info(fmt.Sprint(i...)) }
func (a *EchoAdapter) Printf(f string, args ...any) {
	a.log.Info(fmt.Sprintf(f, args...))
}
func (a *EchoAdapter) Printj(j gommon.JSON) { a.log.Info(jsonMessage(j)) }

func (a *EchoAdapter) Debug(i ...any) { a.log.Debug(fmt.Sprint(i...)) }
func (a *EchoAdapter) Debugf(f string, args ...any) { a.log.Debug(fmt.Sprintf(f, args...)) }
func (a *EchoAdapter) Debugj(j gommon.JSON) { a.log.Debug(jsonMessage(j)) }
func (a *EchoAdapter) Info(i ...any) { a.log.Info(fmt.Sprint(i...)) }
func (a *EchoAdapter) Infof(f string, args ...any) { a.log.Info(fmt.Sprintf(f, args...)) }
func (a *EchoAdapter) Infoj(j gommon.JSON) { a.log.Info(jsonMessage(j)) }
func (a *EchoAdapter) Warn(i ...any) { a.log.Warn(fmt.Sprint(i...)) }
func (a *EchoAdapter) Warnf(f string, args ...any) { a.log.Warn(fmt.Sprintf(f, args...)) }
func (a *EchoAdapter) Warnj(j gommon.JSON) { a.log.Warn(jsonMessage(j)) }
func (a *EchoAdapter) Error(i ...any) { a.log.Error(fmt.Sprint(i...)) }
func (a *EchoAdapter) Errorf(f string, args ...any) { a.log.Error(fmt.Sprintf(f, args...)) }
func (a *EchoAdapter) Errorj(j gommon.JSON) { a.log.Error(jsonMessage(j)) }

// Fatal and Panic log at error level and return.
func (a *EchoAdapter) Fatal(i ...any) { a.log.Error(fmt.Sprint(i...)) }
func (a *EchoAdapter) Fatalf(f string, args ...any) { a.log.Error(fmt.Sprintf(f, args...)) }
func (a *EchoAdapter) Fatalj(j gommon.JSON) { a.log.Error(jsonMessage(j)) }
func (a *EchoAdapter) Panic(i ...any) { a.log.Error(fmt.Sprint(i...)) }
func (a *EchoAdapter) Panicf(f string, args ...any) { a.log.Error(fmt.Sprintf(f, args...)) }
func (a *EchoAdapter) Panicj(j gommon.JSON) { a.log.Error(jsonMessage(j)) }

func jsonMessage(j gommon.JSON) string {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Sprint(map[string]any(j))
	}
	return string(b)
}
