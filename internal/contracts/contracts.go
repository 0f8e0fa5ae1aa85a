package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Voucher mirrors the Authorizer.Voucher tuple. Field order is part of the
// wire contract with the presale contract.
type Voucher struct {
	Buyer        common.Address
	Beneficiary  common.Address
	PaymentToken common.Address
	UsdLimit     *big.Int
	Nonce        *big.Int
	Deadline     *big.Int
	Presale      common.Address
}

const voucherTuple = `{"components":[
	{"internalType":"address","name":"buyer","type":"address"},
	{"internalType":"address","name":"beneficiary","type":"address"},
	{"internalType":"address","name":"paymentToken","type":"address"},
	{"internalType":"uint256","name":"usdLimit","type":"uint256"},
	{"internalType":"uint256","name":"nonce","type":"uint256"},
	{"internalType":"uint256","name":"deadline","type":"uint256"},
	{"internalType":"address","name":"presale","type":"address"}
],"internalType":"struct Authorizer.Voucher","name":"voucher","type":"tuple"}`

// authorizerErrors are bubbled up by the presale contract when it forwards a
// voucher to the authorizer.
const authorizerErrors = `
	{"inputs":[],"name":"InsufficientLimit","type":"error"},
	{"inputs":[],"name":"InvalidNonce","type":"error"},
	{"inputs":[],"name":"InvalidPaymentToken","type":"error"},
	{"inputs":[],"name":"InvalidPresaleAddress","type":"error"},
	{"inputs":[],"name":"InvalidSignature","type":"error"},
	{"inputs":[],"name":"InvalidSigner","type":"error"},
	{"inputs":[],"name":"VoucherAlreadyConsumed","type":"error"},
	{"inputs":[],"name":"VoucherExpired","type":"error"},
	{"inputs":[],"name":"ZeroAddress","type":"error"},
	{"inputs":[],"name":"ECDSAInvalidSignature","type":"error"},
	{"inputs":[{"internalType":"uint256","name":"length","type":"uint256"}],"name":"ECDSAInvalidSignatureLength","type":"error"}`

// PresaleABI covers the view and write functions the purchase flow uses.
const PresaleABI = `[
	{"inputs":[{"internalType":"address","name":"token","type":"address"}],"name":"getTokenPrice","outputs":[
		{"internalType":"uint256","name":"priceUSD","type":"uint256"},
		{"internalType":"bool","name":"isActive","type":"bool"},
		{"internalType":"uint8","name":"decimals","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalTokensMinted","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"maxTokensToMint","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"canClaim","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"presaleRate","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"totalPurchased","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"beneficiary","type":"address"},
		` + voucherTuple + `,
		{"internalType":"bytes","name":"signature","type":"bytes"}],"name":"buyWithNativeVoucher","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"token","type":"address"},
		{"internalType":"uint256","name":"amount","type":"uint256"},
		{"internalType":"address","name":"beneficiary","type":"address"},
		` + voucherTuple + `,
		{"internalType":"bytes","name":"signature","type":"bytes"}],"name":"buyWithTokenVoucher","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"claimTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
	` + authorizerErrors + `
]`

// AuthorizerABI is the read-only subset of the authorizer contract.
const AuthorizerABI = `[
	{"inputs":[{"internalType":"address","name":"","type":"address"}],"name":"nonces","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"voucherHash","type":"bytes32"}],"name":"isVoucherConsumed","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	` + authorizerErrors + `
]`

// ERC20ABI is the subset of EIP-20 used for balances and allowances.
const ERC20ABI = `[
	{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
