// internal/subgraph/types.go
package subgraph

import "encoding/json"

// Token is a pool token as indexed by the subgraph. Numeric fields arrive as strings.
type Token struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals string `json:"decimals"`
}

// Pool is the pool a swap executed against.
type Pool struct {
	ID        string `json:"id"`
	Token0    Token  `json:"token0"`
	Token1    Token  `json:"token1"`
	FeeTier   string `json:"feeTier"`
	SqrtPrice string `json:"sqrtPrice"`
	Tick      string `json:"tick"`
}

// Swap is one swap record from the stream.
type Swap struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Pool      Pool   `json:"pool"`
	Amount0   string `json:"amount0"`
	Amount1   string `json:"amount1"`
	AmountUSD string `json:"amountUSD"`
}

// SwapQuery selects the newest First swaps across Pools.
type SwapQuery struct {
	Pools []string
	First int
}

// graphql-transport-ws message types
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Subprotocol is the websocket subprotocol the client negotiates.
const Subprotocol = "graphql-transport-ws"

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	OperationName string                 `json:"operationName,omitempty"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type nextPayload struct {
	Data struct {
		Swaps []Swap `json:"swaps"`
	} `json:"data"`
	Errors []graphQLError `json:"errors,omitempty"`
}

const swapsSubscription = `subscription PriceUpdates($pools: [String!], $first: Int!) {
  swaps(orderBy: timestamp, orderDirection: desc, first: $first, where: { pool_in: $pools }) {
    id
    timestamp
    pool {
      id
      token0 { id symbol decimals }
      token1 { id symbol decimals }
      feeTier
      sqrtPrice
      tick
    }
    amount0
    amount1
    amountUSD
  }
}`
