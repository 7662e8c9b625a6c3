/*
 Copyright 2023 NanaFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package utils

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/basenana/pathfs/utils/logger"
)

const stackDumpBufSize = 1 << 20

var (
	terminalCh = make(chan os.Signal, 1)
	userCh     = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(terminalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Notify(userCh, syscall.SIGUSR1, syscall.SIGUSR2)

	go handlerUserSignal()
}

// HandleTerminalSignal closes the returned channel on the first terminal
// signal; a second one exits right away.
func HandleTerminalSignal() chan struct{} {
	ch := make(chan struct{})

	go func() {
		<-terminalCh
		close(ch)
		<-terminalCh
		os.Exit(2)
	}()

	return ch
}

// SIGUSR1 dumps every goroutine stack, SIGUSR2 flips debug logging.
func handlerUserSignal() {
	for s := range userCh {
		switch s {
		case syscall.SIGUSR1:
			fmt.Println(dumpStacks())
		case syscall.SIGUSR2:
			logger.SetDebug(!logger.IsDebug())
		}
	}
}

func dumpStacks() string {
	size := stackDumpBufSize
	for {
		buf := make([]byte, size)
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		size *= 2
	}
}

func Shutdown() {
	terminalCh <- syscall.SIGQUIT
}
