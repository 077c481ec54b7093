/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging wires the standard logger through a rotating file sink,
// the same pattern the teacher's tdnsd daemon uses for its own log.
func SetupLogging(logfile string) error {
	log.SetFlags(log.Lshortfile | log.Ltime)

	if logfile == "" {
		log.SetFlags(0)
		return nil
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	})
	return nil
}
