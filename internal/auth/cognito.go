package auth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cognitotypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

// initiateAuthAPI is the subset of the Cognito client used for refreshes
type initiateAuthAPI interface {
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
}

// CognitoRefresher refreshes sessions with the REFRESH_TOKEN_AUTH flow
type CognitoRefresher struct {
	client   initiateAuthAPI
	clientID string
}

// NewCognitoRefresher creates a refresher for a public app client. The
// refresh flow is unauthenticated, so no AWS credentials are loaded.
func NewCognitoRefresher(ctx context.Context, region, clientID string) (*CognitoRefresher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &CognitoRefresher{
		client:   cognitoidentityprovider.NewFromConfig(awsCfg),
		clientID: clientID,
	}, nil
}

// RefreshSession exchanges the refresh token for a new id token. Cognito
// does not rotate refresh tokens in this flow, so the input one is kept.
func (r *CognitoRefresher) RefreshSession(ctx context.Context, refreshToken string) (Tokens, error) {
	out, err := r.client.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: cognitotypes.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(r.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("initiate auth: %w", err)
	}
	if out.AuthenticationResult == nil {
		return Tokens{}, fmt.Errorf("initiate auth: challenge %s not supported", out.ChallengeName)
	}

	tokens := Tokens{
		IDToken:      aws.ToString(out.AuthenticationResult.IdToken),
		RefreshToken: refreshToken,
	}
	if rt := aws.ToString(out.AuthenticationResult.RefreshToken); rt != "" {
		tokens.RefreshToken = rt
	}
	return tokens, nil
}
