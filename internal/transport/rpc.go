package transport

import (
	"context"
	"strings"
)

// Procedure names and parameters of the two exec procedures. Deployments define
// one or the other, so both are tried.
const (
	DefaultProcedureA = "execute_sql"
	DefaultParamA     = "query_text"
	DefaultProcedureB = "exec_sql"
	DefaultParamB     = "sql"
)

// Procedure names a Postgres function and the parameter that receives the SQL.
type Procedure struct {
	Name  string `yaml:"name"`
	Param string `yaml:"param"`
}

// RPCChannel runs SQL through a PostgREST RPC call.
type RPCChannel struct {
	id     ChannelID
	client *Client
	proc   Procedure
}

// NewRPC creates an RPC channel identified by id.
func NewRPC(id ChannelID, client *Client, proc Procedure) *RPCChannel {
	return &RPCChannel{id: id, client: client, proc: proc}
}

// NewRPCVariantA creates the execute_sql(query_text) channel.
func NewRPCVariantA(client *Client, proc Procedure) *RPCChannel {
	if proc.Name == "" {
		proc = Procedure{Name: DefaultProcedureA, Param: DefaultParamA}
	}
	return NewRPC(RPCVariantA, client, proc)
}

// NewRPCVariantB creates the exec_sql(sql) channel.
func NewRPCVariantB(client *Client, proc Procedure) *RPCChannel {
	if proc.Name == "" {
		proc = Procedure{Name: DefaultProcedureB, Param: DefaultParamB}
	}
	return NewRPC(RPCVariantB, client, proc)
}

func (c *RPCChannel) ID() ChannelID { return c.id }

// Procedure returns the procedure this channel calls.
func (c *RPCChannel) Procedure() Procedure { return c.proc }

func (c *RPCChannel) Attempt(ctx context.Context, sql string) (Outcome, error) {
	if !c.client.Configured() {
		return Outcome{Err: notConfigured(c.id, sql)}, nil
	}

	data, info, err := c.client.RPC(ctx, c.proc.Name, map[string]any{c.proc.Param: procedureSQL(sql)})
	if err != nil {
		return Outcome{}, err
	}
	if info != nil {
		info.Channel = c.id
		info.Query = sql
		return Outcome{Err: info}, nil
	}
	return Outcome{Data: data}, nil
}

// procedureSQL drops trailing semicolons. The exec procedures wrap the text
// in a subquery, where a terminator is a syntax error.
func procedureSQL(sql string) string {
	return strings.TrimRight(sql, "; \t\r\n")
}
