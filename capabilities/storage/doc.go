// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package storage provides the result_store capability, which persists the
results another measurement publishes.

A store measurement carries {"label", "topic", "command"}. Command "start"
subscribes to topic and stores every result message as a Record until the
measurement's EOF result arrives, a "stop" for the same topic is executed or
the store measurement is interrupted. The result reports how many records
were stored.

Records go to a Backend: SQLBackend writes the measurement_results table
through gorm (sqlite, postgres or mysql), RedisBackend appends to one list
per topic with an optional retention TTL. Open selects one from
config.StorageConfig.
*/
package storage
