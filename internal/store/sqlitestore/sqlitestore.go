// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitestore is a durable store.Backend for single-node
// deployments, backed by SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	conductorerrors "github.com/agentmesh/teamrt/pkg/errors"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

var (
	_ store.Backend         = (*Store)(nil)
	_ store.MessageStore    = (*Store)(nil)
	_ store.RunLogStore     = (*Store)(nil)
	_ store.TemplateStore   = (*Store)(nil)
	_ store.ExperimentStore = (*Store)(nil)
)

// Store is a SQLite-backed store.Backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// New opens (creating if necessary) a SQLite-backed Store and runs its
// migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// contention between goroutines sharing this handle.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			space_id TEXT NOT NULL,
			project_id TEXT,
			template_name TEXT,
			config TEXT NOT NULL,
			org_pattern TEXT NOT NULL,
			execution_plan TEXT NOT NULL,
			status TEXT NOT NULL,
			workflow_state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			torn_down_at TEXT,
			deployed_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_workspace ON deployments(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_space ON deployments(workspace_id, space_id)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			user_id TEXT,
			role TEXT NOT NULL,
			instance_number INTEGER NOT NULL DEFAULT 0,
			agent_type TEXT NOT NULL,
			workdir TEXT,
			system_prompt TEXT,
			capabilities TEXT,
			reports_to_agent_id TEXT,
			status TEXT NOT NULL,
			current_step_id TEXT,
			runtime_session_id TEXT,
			terminal_session_id TEXT,
			last_run_at TEXT,
			last_run_summary TEXT,
			total_actions INTEGER NOT NULL DEFAULT 0,
			total_errors INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (deployment_id) REFERENCES deployments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_deployment ON agents(deployment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(runtime_session_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			from_agent_id TEXT,
			from_role TEXT,
			to_agent_id TEXT,
			to_role TEXT,
			message TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			read_by_recipient INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			delivered_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_deployment ON messages(deployment_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			team_agent_id TEXT,
			role TEXT,
			step_id TEXT,
			summary TEXT,
			actions_executed INTEGER NOT NULL DEFAULT 0,
			errors_encountered INTEGER NOT NULL DEFAULT 0,
			actions TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_deployment ON run_logs(deployment_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			workspace_id TEXT,
			name TEXT NOT NULL,
			description TEXT,
			kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			deleted_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_templates_workspace ON templates(workspace_id)`,
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			space_id TEXT NOT NULL,
			status TEXT NOT NULL,
			active_team_deployment_id TEXT,
			last_triggered_at TEXT,
			torn_down_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_workspace ON experiments(workspace_id, space_id)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateDeployment(ctx context.Context, d *team.Deployment) error {
	config, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	orgPattern, err := json.Marshal(d.OrgPattern)
	if err != nil {
		return fmt.Errorf("failed to marshal org pattern: %w", err)
	}
	executionPlan, err := json.Marshal(d.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("failed to marshal execution plan: %w", err)
	}
	workflowState, err := json.Marshal(d.WorkflowState)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, workspace_id, space_id, project_id, template_name, config,
			org_pattern, execution_plan, status, workflow_state, version, created_at, torn_down_at, deployed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		d.ID, d.WorkspaceID, d.SpaceID, nullString(d.ProjectID), nullString(d.TemplateName),
		string(config), string(orgPattern), string(executionPlan), string(d.Status), string(workflowState),
		d.CreatedAt.Format(time.RFC3339), formatTime(d.TornDownAt), d.DeployedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &conductorerrors.ConflictError{Resource: "deployment", ID: d.ID, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	d.Version = 1
	return nil
}

const deploymentColumns = `id, workspace_id, space_id, project_id, template_name, config,
	org_pattern, execution_plan, status, workflow_state, version, created_at, torn_down_at, deployed_by`

// scanDeployment parses one deployments row via either *sql.Row.Scan or
// *sql.Rows.Scan, passed as scan.
func scanDeployment(scan func(...any) error) (*team.Deployment, error) {
	var d team.Deployment
	var projectID, templateName, deployedBy sql.NullString
	var tornDownAt sql.NullString
	var config, orgPattern, executionPlan, workflowState string
	var status string
	var createdAt string

	if err := scan(&d.ID, &d.WorkspaceID, &d.SpaceID, &projectID, &templateName, &config,
		&orgPattern, &executionPlan, &status, &workflowState, &d.Version, &createdAt, &tornDownAt, &deployedBy); err != nil {
		return nil, err
	}

	d.ProjectID = projectID.String
	d.TemplateName = templateName.String
	d.DeployedBy = deployedBy.String
	d.Status = team.DeploymentStatus(status)

	if err := json.Unmarshal([]byte(config), &d.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(orgPattern), &d.OrgPattern); err != nil {
		return nil, fmt.Errorf("failed to unmarshal org pattern: %w", err)
	}
	if err := json.Unmarshal([]byte(executionPlan), &d.ExecutionPlan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution plan: %w", err)
	}
	if err := json.Unmarshal([]byte(workflowState), &d.WorkflowState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	if createdAt != "" {
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	}
	if tornDownAt.Valid {
		t, _ := time.Parse(time.RFC3339, tornDownAt.String)
		d.TornDownAt = &t
	}
	return &d, nil
}

func (s *Store) GetDeployment(ctx context.Context, workspaceID, id string) (*team.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	d, err := scanDeployment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "deployment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	return d, nil
}

func (s *Store) ListDeployments(ctx context.Context, workspaceID string, filter store.DeploymentFilter) ([]*team.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE workspace_id = ?`
	args := []any{workspaceID}
	if filter.SpaceID != "" {
		query += ` AND space_id = ?`
		args = append(args, filter.SpaceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*team.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDeploymentStatus(ctx context.Context, workspaceID, id string, status team.DeploymentStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ? WHERE id = ? AND workspace_id = ?`, string(status), id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	return requireRowsAffected(result, "deployment", id)
}

func (s *Store) UpdateDeploymentConfig(ctx context.Context, workspaceID, id string, patch map[string]any) error {
	row := s.db.QueryRowContext(ctx, `SELECT config FROM deployments WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	var current string
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &conductorerrors.NotFoundError{Resource: "deployment", ID: id}
		}
		return fmt.Errorf("failed to read deployment config: %w", err)
	}
	var config map[string]any
	if current != "" {
		if err := json.Unmarshal([]byte(current), &config); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if config == nil {
		config = make(map[string]any)
	}
	for k, v := range patch {
		config[k] = v
	}
	updated, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET config = ? WHERE id = ? AND workspace_id = ?`, string(updated), id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to update deployment config: %w", err)
	}
	return requireRowsAffected(result, "deployment", id)
}

func (s *Store) CreateAgent(ctx context.Context, a *team.Agent) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, deployment_id, workspace_id, user_id, role, instance_number, agent_type,
			workdir, system_prompt, capabilities, reports_to_agent_id, status, current_step_id,
			runtime_session_id, terminal_session_id, last_run_at, last_run_summary, total_actions, total_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeploymentID, a.WorkspaceID, nullString(a.UserID), a.Role, a.InstanceNumber, a.AgentType,
		nullString(a.Workdir), nullString(a.SystemPrompt), string(capabilities), nullString(a.ReportsToAgentID),
		string(a.Status), nullString(a.CurrentStepID), nullString(a.RuntimeSessionID), nullString(a.TerminalSessionID),
		formatTime(a.LastRunAt), nullString(a.LastRunSummary), a.TotalActions, a.TotalErrors,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &conductorerrors.ConflictError{Resource: "agent", ID: a.ID, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *team.Agent) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET user_id = ?, role = ?, instance_number = ?, agent_type = ?, workdir = ?,
			system_prompt = ?, capabilities = ?, reports_to_agent_id = ?, status = ?, current_step_id = ?,
			runtime_session_id = ?, terminal_session_id = ?, last_run_at = ?, last_run_summary = ?,
			total_actions = ?, total_errors = ?
		WHERE id = ?`,
		nullString(a.UserID), a.Role, a.InstanceNumber, a.AgentType, nullString(a.Workdir),
		nullString(a.SystemPrompt), string(capabilities), nullString(a.ReportsToAgentID), string(a.Status),
		nullString(a.CurrentStepID), nullString(a.RuntimeSessionID), nullString(a.TerminalSessionID),
		formatTime(a.LastRunAt), nullString(a.LastRunSummary), a.TotalActions, a.TotalErrors, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRowsAffected(result, "agent", a.ID)
}

const agentColumns = `id, deployment_id, workspace_id, user_id, role, instance_number, agent_type,
	workdir, system_prompt, capabilities, reports_to_agent_id, status, current_step_id,
	runtime_session_id, terminal_session_id, last_run_at, last_run_summary, total_actions, total_errors`

func scanAgent(scan func(...any) error) (*team.Agent, error) {
	var a team.Agent
	var userID, workdir, systemPrompt, reportsTo, currentStepID, runtimeSessionID, terminalSessionID, lastRunSummary sql.NullString
	var lastRunAt sql.NullString
	var capabilities string
	var status string

	if err := scan(&a.ID, &a.DeploymentID, &a.WorkspaceID, &userID, &a.Role, &a.InstanceNumber, &a.AgentType,
		&workdir, &systemPrompt, &capabilities, &reportsTo, &status, &currentStepID,
		&runtimeSessionID, &terminalSessionID, &lastRunAt, &lastRunSummary, &a.TotalActions, &a.TotalErrors); err != nil {
		return nil, err
	}

	a.UserID = userID.String
	a.Workdir = workdir.String
	a.SystemPrompt = systemPrompt.String
	a.ReportsToAgentID = reportsTo.String
	a.Status = team.AgentStatus(status)
	a.CurrentStepID = currentStepID.String
	a.RuntimeSessionID = runtimeSessionID.String
	a.TerminalSessionID = terminalSessionID.String
	a.LastRunSummary = lastRunSummary.String
	if capabilities != "" {
		if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if lastRunAt.Valid {
		t, _ := time.Parse(time.RFC3339, lastRunAt.String)
		a.LastRunAt = &t
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*team.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgentsByDeployment(ctx context.Context, deploymentID string) ([]*team.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE deployment_id = ? ORDER BY instance_number`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	out := make([]*team.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FindAgentBySession(ctx context.Context, workspaceID, sessionID string) (*team.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE runtime_session_id = ? AND workspace_id = ?`, sessionID, workspaceID)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "agent", ID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find agent by session: %w", err)
	}
	return a, nil
}

func (s *Store) GetWorkflowState(ctx context.Context, deploymentID string) (*team.WorkflowState, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT workflow_state, version FROM deployments WHERE id = ?`, deploymentID)
	var raw string
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, &conductorerrors.NotFoundError{Resource: "deployment", ID: deploymentID}
		}
		return nil, 0, fmt.Errorf("failed to get workflow state: %w", err)
	}
	var state team.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	return &state, version, nil
}

func (s *Store) UpdateWorkflowState(ctx context.Context, deploymentID string, expectedVersion int64, state *team.WorkflowState) (int64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET workflow_state = ?, version = version + 1 WHERE id = ? AND version = ?`,
		string(raw), deploymentID, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update workflow state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM deployments WHERE id = ?`, deploymentID).Scan(&exists); err == sql.ErrNoRows {
			return 0, &conductorerrors.NotFoundError{Resource: "deployment", ID: deploymentID}
		}
		return 0, store.ErrOptimisticLock
	}
	return expectedVersion + 1, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *team.TeamMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, deployment_id, from_agent_id, from_role, to_agent_id, to_role, message,
			delivered, read_by_recipient, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.DeploymentID, nullString(m.FromAgentID), nullString(m.FromRole), nullString(m.ToAgentID),
		nullString(m.ToRole), m.Message, m.Delivered, m.ReadByRecipient, m.CreatedAt.Format(time.RFC3339),
		formatTime(m.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return s.trim(ctx, "messages", m.DeploymentID, team.MaxMessagesPerDeployment)
}

// trim deletes all but the most recent keep rows for a deployment, by
// created_at, from the named append-only table.
func (s *Store) trim(ctx context.Context, table, deploymentID string, keep int) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE deployment_id = ? AND id NOT IN (
			SELECT id FROM %s WHERE deployment_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, table, table), deploymentID, deploymentID, keep)
	if err != nil {
		return fmt.Errorf("failed to trim %s: %w", table, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, deploymentID string) ([]*team.TeamMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment_id, from_agent_id, from_role, to_agent_id, to_role, message,
			delivered, read_by_recipient, created_at, delivered_at
		FROM messages WHERE deployment_id = ? ORDER BY created_at ASC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := make([]*team.TeamMessage, 0)
	for rows.Next() {
		var m team.TeamMessage
		var fromAgentID, fromRole, toAgentID, toRole sql.NullString
		var createdAt string
		var deliveredAt sql.NullString
		if err := rows.Scan(&m.ID, &m.DeploymentID, &fromAgentID, &fromRole, &toAgentID, &toRole, &m.Message,
			&m.Delivered, &m.ReadByRecipient, &createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.FromAgentID = fromAgentID.String
		m.FromRole = fromRole.String
		m.ToAgentID = toAgentID.String
		m.ToRole = toRole.String
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if deliveredAt.Valid {
			t, _ := time.Parse(time.RFC3339, deliveredAt.String)
			m.DeliveredAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, messageIDs []string) error {
	return s.markFlags(ctx, messageIDs, true, false)
}

func (s *Store) MarkRead(ctx context.Context, messageIDs []string) error {
	return s.markFlags(ctx, messageIDs, false, true)
}

func (s *Store) markFlags(ctx context.Context, ids []string, delivered, read bool) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if delivered {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET delivered = 1, read_by_recipient = 1, delivered_at = ? WHERE id = ?`,
				time.Now().Format(time.RFC3339), id); err != nil {
				return fmt.Errorf("failed to mark message delivered: %w", err)
			}
		}
		if read {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET read_by_recipient = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to mark message read: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) AppendRunLog(ctx context.Context, l *team.RunLog) error {
	actions, err := json.Marshal(l.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, deployment_id, timestamp, team_agent_id, role, step_id, summary,
			actions_executed, errors_encountered, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.DeploymentID, l.Timestamp.Format(time.RFC3339), nullString(l.TeamAgentID), nullString(l.Role),
		nullString(l.StepID), l.Summary, l.ActionsExecuted, l.ErrorsEncountered, string(actions),
	)
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return s.trimRunLogs(ctx, l.DeploymentID, team.MaxRunLogEntries)
}

func (s *Store) trimRunLogs(ctx context.Context, deploymentID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM run_logs WHERE deployment_id = ? AND id NOT IN (
			SELECT id FROM run_logs WHERE deployment_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?
		)`, deploymentID, deploymentID, keep)
	if err != nil {
		return fmt.Errorf("failed to trim run logs: %w", err)
	}
	return nil
}

func (s *Store) ListRunLogs(ctx context.Context, deploymentID string) ([]*team.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment_id, timestamp, team_agent_id, role, step_id, summary,
			actions_executed, errors_encountered, actions
		FROM run_logs WHERE deployment_id = ? ORDER BY timestamp ASC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	out := make([]*team.RunLog, 0)
	for rows.Next() {
		var l team.RunLog
		var teamAgentID, role, stepID sql.NullString
		var timestamp, actions string
		if err := rows.Scan(&l.ID, &l.DeploymentID, &timestamp, &teamAgentID, &role, &stepID, &l.Summary,
			&l.ActionsExecuted, &l.ErrorsEncountered, &actions); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		l.TeamAgentID = teamAgentID.String
		l.Role = role.String
		l.StepID = stepID.String
		l.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
		if actions != "" {
			if err := json.Unmarshal([]byte(actions), &l.Actions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
			}
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) CreateTemplate(ctx context.Context, t *team.Template) error {
	pattern, err := json.Marshal(t.Pattern)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, workspace_id, name, description, kind, pattern, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.WorkspaceID), t.Name, nullString(t.Description), string(t.Kind), string(pattern),
		formatTime(t.DeletedAt), t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &conductorerrors.ConflictError{Resource: "template", ID: t.ID, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func scanTemplate(scan func(...any) error) (*team.Template, error) {
	var t team.Template
	var workspaceID, description sql.NullString
	var kind string
	var pattern string
	var deletedAt sql.NullString
	var createdAt, updatedAt string

	if err := scan(&t.ID, &workspaceID, &t.Name, &description, &kind, &pattern, &deletedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.WorkspaceID = workspaceID.String
	t.Description = description.String
	t.Kind = team.TemplateKind(kind)
	if err := json.Unmarshal([]byte(pattern), &t.Pattern); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if deletedAt.Valid {
		d, _ := time.Parse(time.RFC3339, deletedAt.String)
		t.DeletedAt = &d
	}
	return &t, nil
}

const templateColumns = `id, workspace_id, name, description, kind, pattern, deleted_at, created_at, updated_at`

func (s *Store) GetTemplate(ctx context.Context, workspaceID, id string) (*team.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "template", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	if t.DeletedAt != nil {
		return nil, &conductorerrors.NotFoundError{Resource: "template", ID: id}
	}
	if t.Kind == team.TemplateCustom && t.WorkspaceID != workspaceID {
		return nil, &conductorerrors.NotFoundError{Resource: "template", ID: id}
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, workspaceID string) ([]*team.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE deleted_at IS NULL AND (kind = ? OR workspace_id = ?)`,
		string(team.TemplateSystem), workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	out := make([]*team.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTemplate(ctx context.Context, t *team.Template) error {
	pattern, err := json.Marshal(t.Pattern)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name = ?, description = ?, pattern = ?, updated_at = ? WHERE id = ?`,
		t.Name, nullString(t.Description), string(pattern), t.UpdatedAt.Format(time.RFC3339), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return requireRowsAffected(result, "template", t.ID)
}

func (s *Store) DeleteTemplate(ctx context.Context, workspaceID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE templates SET deleted_at = ? WHERE id = ? AND workspace_id = ?`,
		time.Now().Format(time.RFC3339), id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return requireRowsAffected(result, "template", id)
}

func (s *Store) CreateExperiment(ctx context.Context, e *team.Experiment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, workspace_id, space_id, status, active_team_deployment_id, last_triggered_at, torn_down_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkspaceID, e.SpaceID, string(e.Status), nullString(e.ActiveTeamDeploymentID),
		formatTime(e.LastTriggeredAt), formatTime(e.TornDownAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &conductorerrors.ConflictError{Resource: "experiment", ID: e.ID, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	return nil
}

const experimentColumns = `id, workspace_id, space_id, status, active_team_deployment_id, last_triggered_at, torn_down_at`

func scanExperiment(scan func(...any) error) (*team.Experiment, error) {
	var e team.Experiment
	var status string
	var activeDeployment, lastTriggeredAt, tornDownAt sql.NullString

	if err := scan(&e.ID, &e.WorkspaceID, &e.SpaceID, &status, &activeDeployment, &lastTriggeredAt, &tornDownAt); err != nil {
		return nil, err
	}
	e.Status = team.ExperimentStatus(status)
	e.ActiveTeamDeploymentID = activeDeployment.String
	if lastTriggeredAt.Valid {
		t, _ := time.Parse(time.RFC3339, lastTriggeredAt.String)
		e.LastTriggeredAt = &t
	}
	if tornDownAt.Valid {
		t, _ := time.Parse(time.RFC3339, tornDownAt.String)
		e.TornDownAt = &t
	}
	return &e, nil
}

func (s *Store) GetExperiment(ctx context.Context, workspaceID, id string) (*team.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	e, err := scanExperiment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "experiment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return e, nil
}

// ClaimExperiment performs the update-where-unassigned §4.2 requires: the
// row transitions to running under deploymentID only if it is not already
// running under a different deployment.
func (s *Store) ClaimExperiment(ctx context.Context, workspaceID, id, deploymentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, active_team_deployment_id = ?, last_triggered_at = ?
		WHERE id = ? AND workspace_id = ?
		AND (status != ? OR active_team_deployment_id = ?)`,
		string(team.ExperimentRunning), deploymentID, time.Now().Format(time.RFC3339),
		id, workspaceID, string(team.ExperimentRunning), deploymentID,
	)
	if err != nil {
		return fmt.Errorf("failed to claim experiment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM experiments WHERE id = ? AND workspace_id = ?`, id, workspaceID).Scan(&exists); err == sql.ErrNoRows {
			return &conductorerrors.NotFoundError{Resource: "experiment", ID: id}
		}
		return store.ErrExperimentClaimed
	}
	return nil
}

// ReleaseExperiment returns the experiment to planned only if deploymentID
// still holds the running claim; otherwise it is a no-op.
func (s *Store) ReleaseExperiment(ctx context.Context, workspaceID, id, deploymentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, active_team_deployment_id = NULL, torn_down_at = ?
		WHERE id = ? AND workspace_id = ? AND status = ? AND active_team_deployment_id = ?`,
		string(team.ExperimentPlanned), time.Now().Format(time.RFC3339),
		id, workspaceID, string(team.ExperimentRunning), deploymentID,
	)
	if err != nil {
		return fmt.Errorf("failed to release experiment: %w", err)
	}
	return nil
}

// Helper functions

func requireRowsAffected(result sql.Result, resource, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return &conductorerrors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

// formatTime converts a *time.Time to an RFC3339 string, or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if s is empty, otherwise s.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err came from a PRIMARY KEY or UNIQUE
// constraint, the only conflict this schema can raise on insert.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
