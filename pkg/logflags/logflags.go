package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var generator = false
var decoder = false
var handler = false
var engine = false
var native = false
var scripted = false
var terminal = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &entryLogger{logger}
}

// makeFlaggableLogger returns a logger that emits debug output only when
// flag is set; otherwise only errors get through.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Generator returns true if the event generator should log every raw
// event it queues and every interrupt it services.
func Generator() bool {
	return generator
}

// GeneratorLogger returns a logger for the event generator.
func GeneratorLogger() Logger {
	return makeFlaggableLogger(generator, Fields{"layer": "generator"})
}

// Decoder returns true if decoders should log dropped and decoded events.
func Decoder() bool {
	return decoder
}

// DecoderLogger returns a logger for the decoder set.
func DecoderLogger() Logger {
	return makeFlaggableLogger(decoder, Fields{"layer": "decoder"})
}

// Handler returns true if the handler chain should log dispatch.
func Handler() bool {
	return handler
}

// HandlerLogger returns a logger for the handler chain.
func HandlerLogger() Logger {
	return makeFlaggableLogger(handler, Fields{"layer": "handler"})
}

// Engine returns true if client control calls should be logged.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the engine.
func EngineLogger() Logger {
	return makeFlaggableLogger(engine, Fields{"layer": "engine"})
}

// Native returns true if the native backend should log ptrace traffic.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Scripted returns true if the scripted backend should log.
func Scripted() bool {
	return scripted
}

// ScriptedLogger returns a logger for the scripted backend.
func ScriptedLogger() Logger {
	return makeFlaggableLogger(scripted, Fields{"layer": "scripted"})
}

// Terminal returns true if the terminal client should log.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal client.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "pctl-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "engine"
	}
	for _, name := range strings.Split(logstr, ",") {
		for _, flag := range layerFlags[name] {
			*flag = true
		}
	}
	return nil
}

// layerFlags maps the names accepted by --log-output to the flags they
// enable. "pipeline" is shorthand for the three event pipeline stages.
var layerFlags = map[string][]*bool{
	"generator": {&generator},
	"decoder":   {&decoder},
	"handler":   {&handler},
	"engine":    {&engine},
	"native":    {&native},
	"scripted":  {&scripted},
	"terminal":  {&terminal},
	"pipeline":  {&generator, &decoder, &handler},
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05.000Z07:00"), strings.ToLower(entry.Level.String()))
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, "%s=%v ", key, entry.Data[key])
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
