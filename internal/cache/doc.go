// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package cache wraps the go-redis client behind the redis result store.

Manager verifies the connection on creation, pings it in the background and
exposes the list operations the store needs: Append pushes values and
re-arms the key's TTL in one MULTI/EXEC, Range reads a whole list, Keys
scans by pattern and Delete drops keys.
*/
package cache
