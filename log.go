package tlmx

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ccding/go-logging/logging"
)

const (
	logFormat  = "%s %s\n time,message"
	timeFormat = "2006/01/02 15:04:05"
)

func logInit(w *os.File) {
	var err error
	if w == nil {
		w = os.Stdout
	}
	logger, err = logging.CustomizedLogger("main", logging.NOTSET, logFormat, timeFormat, w, false, logging.DefaultQueueSize, logging.DefaultRequestSize, logging.DefaultBufferSize, logging.DefaultTimeInterval)
	if err != nil {
		fmt.Printf("Error: unable to create logger: %v", err)
		os.Exit(1)
	}
}

func logDestroy() {
	logger.Destroy()
}

func logPrintf(format string, a ...any) {
	format = fmt.Sprintf("%s %s", time.Now().Format(timeFormat), format)
	fmt.Printf(format, a...)
}

// logHeader prints a single preamble line, hiding most of the credential
// material carried in Proxy-Authorization values.
func logHeader(format string, prefix string, header string) {
	lower := strings.ToLower(header)
	if strings.HasPrefix(lower, "proxy-authorization:") {
		l := len(header)
		if l-10 > 50 {
			l = 50
		} else {
			l = l - 10
			if l < 20 {
				l = 20
			}
		}
		header = header[:l] + "..."
	}
	logger.Infof(format, prefix, header)
}

// logRequest emits the per-request line when request logging is enabled.
func logRequest(format string, args ...interface{}) {
	if options.RequestLog < 1 && !debug {
		return
	}
	logger.Infof(format, args...)
}

func logDebug(format string, args ...interface{}) {
	if debug {
		logger.Debugf(format, args...)
	}
}

func logInfo(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func logWarn(format string, args ...interface{}) {
	logger.Infof("[!] "+format, args...)
}

func logError(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

func logFatal(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
	logger.Destroy()
	os.Exit(1)
}
