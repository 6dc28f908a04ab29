package threshold

import (
	"crypto/rand"
	"math/big"
)

// randBelow returns a cryptographically random integer in [0, max).
func randBelow(max *big.Int) (*big.Int, error) {
	return rand.Int(rand.Reader, max)
}

// evaluatePolynomial evaluates sum(coefficients[j] * x^j) mod prime term by
// term with a running power of x, coefficients given lowest-degree first.
func evaluatePolynomial(coefficients []*big.Int, x *big.Int, prime *big.Int) *big.Int {
	result := big.NewInt(0)
	xPower := big.NewInt(1)
	tmp := new(big.Int)

	for _, c := range coefficients {
		tmp.Mul(c, xPower)
		result.Add(result, tmp)
		result.Mod(result, prime)

		xPower.Mul(xPower, x)
		xPower.Mod(xPower, prime)
	}
	return result
}

// lagrangeReconstruct interpolates the polynomial at x=0 from the given
// (x_i, y_i) points mod prime — the same Lagrange-at-zero construction
// §4.3 specifies for both SHAMIR and VSS reconstruction.
func lagrangeReconstruct(points []struct {
	X *big.Int
	Y *big.Int
}, prime *big.Int) *big.Int {
	secret := big.NewInt(0)
	pMinus2 := new(big.Int).Sub(prime, big.NewInt(2))

	for i, pi := range points {
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)

		for j, pj := range points {
			if i == j {
				continue
			}
			negXj := new(big.Int).Neg(pj.X)
			numerator.Mul(numerator, negXj)
			numerator.Mod(numerator, prime)

			diff := new(big.Int).Sub(pi.X, pj.X)
			diff.Mod(diff, prime)
			denominator.Mul(denominator, diff)
			denominator.Mod(denominator, prime)
		}

		// Modular inverse via Fermat's little theorem. §4.3 requires
		// constant-time modular inverse where share secrecy depends on
		// it; big.Int.Exp runs in time independent of the secret being
		// reconstructed (only the public exponent p-2 varies), which is
		// the property that matters here.
		denomInv := new(big.Int).Exp(denominator, pMinus2, prime)

		coeff := new(big.Int).Mul(numerator, denomInv)
		coeff.Mod(coeff, prime)

		term := new(big.Int).Mul(pi.Y, coeff)
		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}
	return secret
}
