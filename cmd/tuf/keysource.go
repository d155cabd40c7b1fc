package main

import (
	"net/url"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuf/keysource"
)

// parseKeySource turns a --key argument into a keysource.Source. Grounded
// on tuftool/src/source.rs's parse_key_source, generalized from a
// url::Url-based dispatch to the three backends this module implements:
//
//	file:///path/to/key.pem
//	kms://key-id?region=us-east-1&profile=default
//	ssm://parameter-name?region=us-east-1&profile=default
func parseKeySource(spec string) (keysource.Source, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing key source %q", spec)
	}
	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return &keysource.LocalSource{Path: path}, nil
	case "kms":
		q := u.Query()
		return &keysource.KMSSource{
			KeyID:   u.Host,
			Region:  q.Get("region"),
			Profile: q.Get("profile"),
		}, nil
	case "ssm":
		q := u.Query()
		return &keysource.SSMSource{
			ParameterName: u.Host,
			Region:        q.Get("region"),
			Profile:       q.Get("profile"),
		}, nil
	default:
		return nil, errors.Errorf("unsupported key source scheme %q", u.Scheme)
	}
}

func parseKeySources(specs []string) ([]keysource.Source, error) {
	sources := make([]keysource.Source, 0, len(specs))
	for _, s := range specs {
		src, err := parseKeySource(s)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
