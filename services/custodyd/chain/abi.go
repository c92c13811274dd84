package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]}
]`

// The custodian contract moves approved wallet balances into itself and sweeps
// its own balance to a master address.
const custodianABIJSON = `[
  {"type":"function","name":"pull","stateMutability":"nonpayable",
   "inputs":[{"name":"wallet","type":"address"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"}],"outputs":[]},
  {"type":"event","name":"Pulled","anonymous":false,
   "inputs":[{"name":"wallet","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Withdrawn","anonymous":false,
   "inputs":[{"name":"to","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI     = mustParseABI(erc20ABIJSON)
	custodianABI = mustParseABI(custodianABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
