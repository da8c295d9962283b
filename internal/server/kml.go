package server

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"site-proximity/internal/models"
)

const kmlNamespace = "http://www.opengis.net/kml/2.2"

type kmlDocument struct {
	XMLName  xml.Name `xml:"kml"`
	NS       string   `xml:"xmlns,attr"`
	Document struct {
		Name       string         `xml:"name"`
		Placemarks []kmlPlacemark `xml:"Placemark"`
	} `xml:"Document"`
}

type kmlPlacemark struct {
	Name        string `xml:"name"`
	Description string `xml:"description,omitempty"`
	Point       struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
}

func placemark(site models.SiteRecord) kmlPlacemark {
	var p kmlPlacemark
	p.Name = "Site " + site.SiteID
	var parts []string
	for _, v := range []string{site.Town, site.Woreda, site.SubCity, site.AdminRegion} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	p.Description = strings.Join(parts, ", ")
	// KML orders coordinates longitude first.
	p.Point.Coordinates = strconv.FormatFloat(site.Loc.Lon, 'f', -1, 64) + "," +
		strconv.FormatFloat(site.Loc.Lat, 'f', -1, 64) + ",0"
	return p
}

// SitesKML renders the site inventory as a KML document for map viewers.
func (s *Server) SitesKML(c *gin.Context) {
	var doc kmlDocument
	doc.NS = kmlNamespace
	doc.Document.Name = "Sites"
	for _, site := range s.Sites.Sites() {
		doc.Document.Placemarks = append(doc.Document.Placemarks, placemark(site))
	}
	c.Header("Content-Type", "application/vnd.google-earth.kml+xml")
	c.Header("Content-Disposition", `inline; filename="sites.kml"`)
	c.XML(http.StatusOK, doc)
}
