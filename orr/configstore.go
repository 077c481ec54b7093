/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// Config Store (spec §4.5): the durable record of nodes, zones,
// clusters, HSMs and policies, and the join logic that turns rows back
// into the ClusterDescriptor the Cluster Manager reconciles against.
// Storage is driver-agnostic between sqlite3 and MySQL (SPEC_FULL.md §6
// EXPANSION), following the DBType-branching style the teacher's kdc
// package uses for its own sqlite/MySQL migrations.

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// sqliteTables and mysqlTables hold the same logical schema expressed
// in each driver's own dialect (TEXT keys vs VARCHAR keys plus
// ENGINE=InnoDB; the JSON payload columns are TEXT either way since
// both drivers round-trip driver.Value as a string).
var sqliteTables = map[string]string{
	"version": `CREATE TABLE IF NOT EXISTS version (
version INTEGER NOT NULL
)`,
	"nodes": `CREATE TABLE IF NOT EXISTS nodes (
uuid TEXT PRIMARY KEY,
uri  TEXT NOT NULL,
mode TEXT NOT NULL
)`,
	"hsms": `CREATE TABLE IF NOT EXISTS hsms (
uuid TEXT PRIMARY KEY,
data TEXT NOT NULL
)`,
	"policies": `CREATE TABLE IF NOT EXISTS policies (
uuid TEXT PRIMARY KEY,
data TEXT NOT NULL
)`,
	"zones": `CREATE TABLE IF NOT EXISTS zones (
uuid       TEXT PRIMARY KEY,
name       TEXT NOT NULL,
input_type TEXT NOT NULL,
input_data TEXT NOT NULL
)`,
	"clusters": `CREATE TABLE IF NOT EXISTS clusters (
uuid        TEXT PRIMARY KEY,
mode        TEXT NOT NULL,
policy_uuid TEXT NOT NULL
)`,
	"cluster_node": `CREATE TABLE IF NOT EXISTS cluster_node (
cluster_uuid TEXT NOT NULL,
node_uuid    TEXT NOT NULL,
UNIQUE (cluster_uuid, node_uuid)
)`,
	"cluster_zone": `CREATE TABLE IF NOT EXISTS cluster_zone (
cluster_uuid TEXT NOT NULL,
zone_uuid    TEXT NOT NULL,
UNIQUE (cluster_uuid, zone_uuid)
)`,
	"cluster_hsm": `CREATE TABLE IF NOT EXISTS cluster_hsm (
cluster_uuid TEXT NOT NULL,
hsm_uuid     TEXT NOT NULL,
UNIQUE (cluster_uuid, hsm_uuid)
)`,
}

var mysqlTables = map[string]string{
	"version": `CREATE TABLE IF NOT EXISTS version (
version INTEGER NOT NULL
) ENGINE=InnoDB`,
	"nodes": `CREATE TABLE IF NOT EXISTS nodes (
uuid VARCHAR(36) PRIMARY KEY,
uri  VARCHAR(255) NOT NULL,
mode VARCHAR(16) NOT NULL
) ENGINE=InnoDB`,
	"hsms": `CREATE TABLE IF NOT EXISTS hsms (
uuid VARCHAR(36) PRIMARY KEY,
data TEXT NOT NULL
) ENGINE=InnoDB`,
	"policies": `CREATE TABLE IF NOT EXISTS policies (
uuid VARCHAR(36) PRIMARY KEY,
data TEXT NOT NULL
) ENGINE=InnoDB`,
	"zones": `CREATE TABLE IF NOT EXISTS zones (
uuid       VARCHAR(36) PRIMARY KEY,
name       VARCHAR(255) NOT NULL,
input_type VARCHAR(64) NOT NULL,
input_data TEXT NOT NULL
) ENGINE=InnoDB`,
	"clusters": `CREATE TABLE IF NOT EXISTS clusters (
uuid        VARCHAR(36) PRIMARY KEY,
mode        VARCHAR(16) NOT NULL,
policy_uuid VARCHAR(36) NOT NULL
) ENGINE=InnoDB`,
	"cluster_node": `CREATE TABLE IF NOT EXISTS cluster_node (
cluster_uuid VARCHAR(36) NOT NULL,
node_uuid    VARCHAR(36) NOT NULL,
UNIQUE (cluster_uuid, node_uuid)
) ENGINE=InnoDB`,
	"cluster_zone": `CREATE TABLE IF NOT EXISTS cluster_zone (
cluster_uuid VARCHAR(36) NOT NULL,
zone_uuid    VARCHAR(36) NOT NULL,
UNIQUE (cluster_uuid, zone_uuid)
) ENGINE=InnoDB`,
	"cluster_hsm": `CREATE TABLE IF NOT EXISTS cluster_hsm (
cluster_uuid VARCHAR(36) NOT NULL,
hsm_uuid     VARCHAR(36) NOT NULL,
UNIQUE (cluster_uuid, hsm_uuid)
) ENGINE=InnoDB`,
}

// migrations is the linear upgrade path applied by Setup when the
// stored schema version is older than schemaVersion. It is empty today
// (schemaVersion 1 is the first shipped schema); entries get appended
// here, never rewritten, the same way the teacher's db_migrations.go
// keeps superseded migrations around as a historical record.
var migrations = []func(db *sql.DB, dbType string) error{}

// ConfigStore is the persistence boundary for node/zone/cluster/HSM/
// policy rows (spec §4.5).
type ConfigStore struct {
	DB     *sql.DB
	DBType string // "sqlite3" or "mysql"
}

// Setup opens dsn with driver, creates any missing tables, and runs
// pending migrations (spec §4.5 "Setup: bootstrap / version-check /
// Create / Upgrade").
func Setup(driver, dsn string) (*ConfigStore, error) {
	if driver != "sqlite3" && driver != "mysql" {
		return nil, fmt.Errorf("%w: unsupported db driver %q", ErrConfig, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s db: %v", ErrExternal, driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: connecting to %s db: %v", ErrExternal, driver, err)
	}

	cs := &ConfigStore{DB: db, DBType: driver}
	if err := cs.createTables(); err != nil {
		return nil, err
	}
	if err := cs.upgrade(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ConfigStore) tableSet() map[string]string {
	if cs.DBType == "mysql" {
		return mysqlTables
	}
	return sqliteTables
}

func (cs *ConfigStore) createTables() error {
	for name, ddl := range cs.tableSet() {
		if _, err := cs.DB.Exec(ddl); err != nil {
			return fmt.Errorf("%w: creating table %s: %v", ErrConfig, name, err)
		}
	}

	var count int
	if err := cs.DB.QueryRow("SELECT COUNT(*) FROM version").Scan(&count); err != nil {
		return fmt.Errorf("%w: reading schema version: %v", ErrConfig, err)
	}
	if count == 0 {
		if _, err := cs.DB.Exec("INSERT INTO version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("%w: seeding schema version: %v", ErrConfig, err)
		}
	}
	return nil
}

func (cs *ConfigStore) upgrade() error {
	var current int
	if err := cs.DB.QueryRow("SELECT version FROM version").Scan(&current); err != nil {
		return fmt.Errorf("%w: reading schema version: %v", ErrConfig, err)
	}
	if current > schemaVersion {
		log.Printf("configstore: stored schema version %d is newer than %d, refusing to downgrade", current, schemaVersion)
		return nil
	}
	for current < schemaVersion && current < len(migrations) {
		if err := migrations[current](cs.DB, cs.DBType); err != nil {
			return fmt.Errorf("%w: running migration %d: %v", ErrConfig, current, err)
		}
		current++
		if _, err := cs.DB.Exec("UPDATE version SET version = ?", current); err != nil {
			return fmt.Errorf("%w: recording schema version %d: %v", ErrConfig, current, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (cs *ConfigStore) Close() error {
	return cs.DB.Close()
}

// NodeList returns every registered node (spec §4.5).
func (cs *ConfigStore) NodeList() ([]Node, error) {
	rows, err := cs.DB.Query("SELECT uuid, uri, mode FROM nodes")
	if err != nil {
		return nil, fmt.Errorf("%w: listing nodes: %v", ErrConfig, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.Uuid, &n.Uri, &n.Mode); err != nil {
			return nil, fmt.Errorf("%w: scanning node row: %v", ErrConfig, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ZoneList returns every registered zone.
func (cs *ConfigStore) ZoneList() ([]Zone, error) {
	rows, err := cs.DB.Query("SELECT uuid, name, input_type, input_data FROM zones")
	if err != nil {
		return nil, fmt.Errorf("%w: listing zones: %v", ErrConfig, err)
	}
	defer rows.Close()

	var out []Zone
	for rows.Next() {
		var z Zone
		var inputData string
		if err := rows.Scan(&z.Uuid, &z.Name, &z.InputType, &inputData); err != nil {
			return nil, fmt.Errorf("%w: scanning zone row: %v", ErrConfig, err)
		}
		z.InputData = json.RawMessage(inputData)
		out = append(out, z)
	}
	return out, rows.Err()
}

// ClusterList returns every registered cluster uuid and mode, without
// the joined nodes/zones/HSMs/policy (spec §4.5 narrow list operation).
func (cs *ConfigStore) ClusterList() ([]struct {
	Uuid string
	Mode ClusterMode
}, error) {
	rows, err := cs.DB.Query("SELECT uuid, mode FROM clusters")
	if err != nil {
		return nil, fmt.Errorf("%w: listing clusters: %v", ErrConfig, err)
	}
	defer rows.Close()

	var out []struct {
		Uuid string
		Mode ClusterMode
	}
	for rows.Next() {
		var uuid, mode string
		if err := rows.Scan(&uuid, &mode); err != nil {
			return nil, fmt.Errorf("%w: scanning cluster row: %v", ErrConfig, err)
		}
		out = append(out, struct {
			Uuid string
			Mode ClusterMode
		}{Uuid: uuid, Mode: ClusterMode(mode)})
	}
	return out, rows.Err()
}

// ClusterNodes returns the node uuids bound to clusterUuid.
func (cs *ConfigStore) ClusterNodes(clusterUuid string) ([]string, error) {
	return cs.joinedUuids("SELECT node_uuid FROM cluster_node WHERE cluster_uuid = ?", clusterUuid)
}

// ClusterZones returns the zone uuids bound to clusterUuid.
func (cs *ConfigStore) ClusterZones(clusterUuid string) ([]string, error) {
	return cs.joinedUuids("SELECT zone_uuid FROM cluster_zone WHERE cluster_uuid = ?", clusterUuid)
}

func (cs *ConfigStore) joinedUuids(query, clusterUuid string) ([]string, error) {
	rows, err := cs.DB.Query(query, clusterUuid)
	if err != nil {
		return nil, fmt.Errorf("%w: running %s: %v", ErrConfig, query, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("%w: scanning uuid: %v", ErrConfig, err)
		}
		out = append(out, uuid)
	}
	return out, rows.Err()
}

// ClusterConfig loads the full ClusterDescriptor for clusterUuid,
// joining its bound nodes, zones and HSMs and its one policy (spec
// §4.5 "ClusterConfig: join-based descriptor loading").
func (cs *ConfigStore) ClusterConfig(clusterUuid string) (ClusterDescriptor, error) {
	var desc ClusterDescriptor
	desc.Uuid = clusterUuid

	var mode, policyUuid string
	err := cs.DB.QueryRow("SELECT mode, policy_uuid FROM clusters WHERE uuid = ?", clusterUuid).Scan(&mode, &policyUuid)
	if err == sql.ErrNoRows {
		return desc, fmt.Errorf("%w: no cluster with uuid %s", ErrConfig, clusterUuid)
	}
	if err != nil {
		return desc, fmt.Errorf("%w: loading cluster %s: %v", ErrConfig, clusterUuid, err)
	}
	desc.Mode = ClusterMode(mode)

	var policyData string
	if err := cs.DB.QueryRow("SELECT data FROM policies WHERE uuid = ?", policyUuid).Scan(&policyData); err != nil {
		return desc, fmt.Errorf("%w: loading policy %s for cluster %s: %v", ErrConfig, policyUuid, clusterUuid, err)
	}
	desc.Policy = Policy{Uuid: policyUuid, Data: json.RawMessage(policyData)}

	nodeUuids, err := cs.ClusterNodes(clusterUuid)
	if err != nil {
		return desc, err
	}
	for _, uuid := range nodeUuids {
		var n Node
		if err := cs.DB.QueryRow("SELECT uuid, uri, mode FROM nodes WHERE uuid = ?", uuid).Scan(&n.Uuid, &n.Uri, &n.Mode); err != nil {
			return desc, fmt.Errorf("%w: loading node %s for cluster %s: %v", ErrConfig, uuid, clusterUuid, err)
		}
		desc.Nodes = append(desc.Nodes, n)
	}

	zoneUuids, err := cs.ClusterZones(clusterUuid)
	if err != nil {
		return desc, err
	}
	for _, uuid := range zoneUuids {
		var z Zone
		var inputData string
		if err := cs.DB.QueryRow("SELECT uuid, name, input_type, input_data FROM zones WHERE uuid = ?", uuid).Scan(&z.Uuid, &z.Name, &z.InputType, &inputData); err != nil {
			return desc, fmt.Errorf("%w: loading zone %s for cluster %s: %v", ErrConfig, uuid, clusterUuid, err)
		}
		z.InputData = json.RawMessage(inputData)
		desc.Zones = append(desc.Zones, z)
	}

	hsmUuids, err := cs.joinedUuids("SELECT hsm_uuid FROM cluster_hsm WHERE cluster_uuid = ?", clusterUuid)
	if err != nil {
		return desc, err
	}
	for _, uuid := range hsmUuids {
		var h HSM
		var data string
		if err := cs.DB.QueryRow("SELECT uuid, data FROM hsms WHERE uuid = ?", uuid).Scan(&h.Uuid, &data); err != nil {
			return desc, fmt.Errorf("%w: loading hsm %s for cluster %s: %v", ErrConfig, uuid, clusterUuid, err)
		}
		h.Data = json.RawMessage(data)
		desc.HSMs = append(desc.HSMs, h)
	}

	return desc, nil
}

func (cs *ConfigStore) insertIgnore(table, columns, placeholders string, args ...interface{}) error {
	stmt := "INSERT OR IGNORE INTO " + table + " (" + columns + ") VALUES (" + placeholders + ")"
	if cs.DBType == "mysql" {
		stmt = "INSERT IGNORE INTO " + table + " (" + columns + ") VALUES (" + placeholders + ")"
	}
	_, err := cs.DB.Exec(stmt, args...)
	return err
}

// AddNode inserts or replaces a node row and binds it to clusterUuid.
func (cs *ConfigStore) AddNode(clusterUuid string, n Node) error {
	if n.Uuid == "" {
		n.Uuid = uuid.NewString()
	}
	if _, err := cs.DB.Exec("REPLACE INTO nodes (uuid, uri, mode) VALUES (?, ?, ?)", n.Uuid, n.Uri, string(n.Mode)); err != nil {
		return fmt.Errorf("%w: inserting node %s: %v", ErrConfig, n.Uuid, err)
	}
	if err := cs.insertIgnore("cluster_node", "cluster_uuid, node_uuid", "?, ?", clusterUuid, n.Uuid); err != nil {
		return fmt.Errorf("%w: binding node %s to cluster %s: %v", ErrConfig, n.Uuid, clusterUuid, err)
	}
	return nil
}

// RemoveNode unbinds a node from clusterUuid; the node row itself is
// left in place since it may still be bound to other clusters (spec §3
// invariant: node membership is many-to-many).
func (cs *ConfigStore) RemoveNode(clusterUuid, nodeUuid string) error {
	_, err := cs.DB.Exec("DELETE FROM cluster_node WHERE cluster_uuid = ? AND node_uuid = ?", clusterUuid, nodeUuid)
	if err != nil {
		return fmt.Errorf("%w: unbinding node %s from cluster %s: %v", ErrConfig, nodeUuid, clusterUuid, err)
	}
	return nil
}

// AddZone inserts or replaces a zone row and binds it to clusterUuid.
func (cs *ConfigStore) AddZone(clusterUuid string, z Zone) error {
	if z.Uuid == "" {
		z.Uuid = uuid.NewString()
	}
	if _, err := cs.DB.Exec("REPLACE INTO zones (uuid, name, input_type, input_data) VALUES (?, ?, ?, ?)",
		z.Uuid, z.Name, z.InputType, string(z.InputData)); err != nil {
		return fmt.Errorf("%w: inserting zone %s: %v", ErrConfig, z.Uuid, err)
	}
	if err := cs.insertIgnore("cluster_zone", "cluster_uuid, zone_uuid", "?, ?", clusterUuid, z.Uuid); err != nil {
		return fmt.Errorf("%w: binding zone %s to cluster %s: %v", ErrConfig, z.Uuid, clusterUuid, err)
	}
	return nil
}

// RemoveZone unbinds a zone from clusterUuid.
func (cs *ConfigStore) RemoveZone(clusterUuid, zoneUuid string) error {
	_, err := cs.DB.Exec("DELETE FROM cluster_zone WHERE cluster_uuid = ? AND zone_uuid = ?", clusterUuid, zoneUuid)
	if err != nil {
		return fmt.Errorf("%w: unbinding zone %s from cluster %s: %v", ErrConfig, zoneUuid, clusterUuid, err)
	}
	return nil
}
